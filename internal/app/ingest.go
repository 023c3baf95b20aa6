package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
	"github.com/arohealth/teleconsult/internal/observe"
	"github.com/arohealth/teleconsult/internal/store"
	"github.com/arohealth/teleconsult/internal/transcribe"
)

// IngestConfig tunes the audio pipeline.
type IngestConfig struct {
	MinChunkBytes      int
	UndersizedRunLimit int
	QueueCapacity      int
	LatencyWarn        time.Duration
}

// Ingest accepts timed audio chunks per (session, role), forwards them to
// the transcription backend and fans the resulting captions back to both
// roles of the session.
type Ingest struct {
	reg  *Registry
	stt  transcribe.Transcriber
	sink store.CaptionStore // optional
	met  *observe.Metrics
	cfg  IngestConfig
	now  func() time.Time

	mu      sync.Mutex
	streams map[streamKey]*streamState
}

type streamKey struct {
	cid  domain.ConsultationID
	role domain.Role
}

type streamState struct {
	seq             uint64
	undersizedRun   int
	undersizedTotal uint64
	stallWarnings   int
	latencyWarnings int
	backendFailures int
	retry           *core.ChunkQueue
}

func NewIngest(reg *Registry, stt transcribe.Transcriber, sink store.CaptionStore, met *observe.Metrics, cfg IngestConfig) *Ingest {
	if cfg.MinChunkBytes <= 0 {
		cfg.MinChunkBytes = domain.MinChunkBytes
	}
	if cfg.UndersizedRunLimit <= 0 {
		cfg.UndersizedRunLimit = 3
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 5 * time.Second
	}
	return &Ingest{
		reg:     reg,
		stt:     stt,
		sink:    sink,
		met:     met,
		cfg:     cfg,
		now:     time.Now,
		streams: make(map[streamKey]*streamState),
	}
}

func (p *Ingest) stream(k streamKey) *streamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[k]
	if !ok {
		st = &streamState{retry: core.NewChunkQueue(p.cfg.QueueCapacity)}
		p.streams[k] = st
	}
	return st
}

// Forget discards per-stream diagnostics once a leg is gone for good.
func (p *Ingest) Forget(cid domain.ConsultationID, role domain.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, streamKey{cid: cid, role: role})
}

// HandleChunk processes one inbound audio chunk. Undersized chunks are
// counted but never forwarded; a run of more than UndersizedRunLimit of
// them raises a diagnostic signal without halting the pipeline.
func (p *Ingest) HandleChunk(ctx context.Context, cid domain.ConsultationID, role domain.Role, payload []byte) {
	st := p.stream(streamKey{cid: cid, role: role})
	receivedAt := p.now()
	roleAttr := metric.WithAttributes(attribute.String("role", role.String()))
	p.met.ChunksReceived.Add(ctx, 1, roleAttr)

	p.mu.Lock()
	st.seq++
	seq := st.seq
	p.mu.Unlock()

	if len(payload) < p.cfg.MinChunkBytes {
		p.met.ChunksUndersized.Add(ctx, 1, roleAttr)
		p.mu.Lock()
		st.undersizedTotal++
		st.undersizedRun++
		run := st.undersizedRun
		if run == p.cfg.UndersizedRunLimit+1 {
			st.stallWarnings++
		}
		p.mu.Unlock()
		if run == p.cfg.UndersizedRunLimit+1 {
			log.Warn().Str("module", "app.ingest").
				Str("consultation", string(cid)).Str("role", role.String()).
				Int("consecutive", run).Int("bytes", len(payload)).
				Msg("run of empty audio chunks, capture may be silent or broken")
		}
		return
	}
	p.mu.Lock()
	st.undersizedRun = 0
	p.mu.Unlock()

	// Drain chunks parked by an earlier forward failure before this one,
	// preserving arrival order toward the backend.
	if st.retry.Len() > 0 {
		_, err := st.retry.Flush(func(f core.Frame) error {
			return p.forward(ctx, cid, role, st, []byte(f), receivedAt)
		})
		if err != nil {
			// Backend still down: park the fresh chunk behind the rest.
			p.classifyForwardFailure(cid, role, st, err)
			p.requeue(ctx, cid, role, st, payload, roleAttr)
			return
		}
	}

	if err := p.forward(ctx, cid, role, st, payload, receivedAt); err != nil {
		p.classifyForwardFailure(cid, role, st, err)
		p.requeue(ctx, cid, role, st, payload, roleAttr)
		return
	}

	p.mu.Lock()
	st.backendFailures = 0
	p.mu.Unlock()

	log.Debug().Str("module", "app.ingest").Str("consultation", string(cid)).
		Str("role", role.String()).Uint64("seq", seq).Int("bytes", len(payload)).
		Msg("chunk processed")
}

func (p *Ingest) requeue(ctx context.Context, cid domain.ConsultationID, role domain.Role, st *streamState, payload []byte, roleAttr metric.MeasurementOption) {
	if err := st.retry.Enqueue(core.Frame(payload)); err != nil {
		log.Warn().Err(err).Str("module", "app.ingest").
			Str("consultation", string(cid)).Str("role", role.String()).
			Msg("retry queue full, chunk dropped")
		return
	}
	p.met.ChunksRequeued.Add(ctx, 1, roleAttr)
}

// forward sends a chunk to the backend and, when it produces text,
// broadcasts the caption. A nil result with nil error is silence.
func (p *Ingest) forward(ctx context.Context, cid domain.ConsultationID, role domain.Role, st *streamState, payload []byte, receivedAt time.Time) error {
	p.met.ChunksForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role.String())))
	res, err := p.stt.Transcribe(ctx, transcribe.Request{
		Consultation: cid,
		Speaker:      role,
		Audio:        payload,
	})
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	latency := p.now().Sub(receivedAt)
	p.met.CaptionLatency.Record(ctx, latency.Seconds(),
		metric.WithAttributes(attribute.String("role", role.String())))
	if latency > p.cfg.LatencyWarn {
		p.mu.Lock()
		st.latencyWarnings++
		p.mu.Unlock()
		log.Warn().Str("module", "app.ingest").Str("consultation", string(cid)).
			Str("role", role.String()).Dur("latency", latency).
			Msg("caption round-trip exceeded soft threshold")
	}

	ev := domain.CaptionEvent{
		Consultation: cid,
		Speaker:      role,
		OriginalText: res.OriginalText,
		Translated:   res.Translated,
		GeneratedAt:  p.now(),
	}
	p.broadcast(ctx, ev)
	if p.sink != nil {
		if err := p.sink.SaveCaption(ctx, ev); err != nil {
			log.Error().Err(err).Str("module", "app.ingest").
				Str("consultation", string(cid)).Msg("caption store write failed")
		}
	}
	return nil
}

// broadcast delivers the caption to both roles: the speaker sees their own
// words, the counterpart sees the translation with the original alongside
// when the two differ.
func (p *Ingest) broadcast(ctx context.Context, ev domain.CaptionEvent) {
	p.met.Captions.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", ev.Speaker.String())))
	for _, role := range []domain.Role{domain.RoleDoctor, domain.RolePatient} {
		rec, ok := p.reg.Lookup(ev.Consultation, role)
		if !ok || rec.State != domain.StateOpen {
			continue
		}
		msg := domain.CaptionMessage{
			Type:      domain.MsgCaption,
			Speaker:   ev.Speaker,
			Own:       role == ev.Speaker,
			Timestamp: ev.GeneratedAt.UnixMilli(),
		}
		if msg.Own {
			msg.Text = ev.OriginalText
		} else {
			msg.Text = ev.Translated
			if msg.Text == "" {
				msg.Text = ev.OriginalText
			}
			if ev.Translatable() {
				msg.AltText = ev.OriginalText
			}
		}
		if err := rec.Conn.TrySend(msg.Encode()); err != nil {
			log.Warn().Err(err).Str("module", "app.ingest").
				Str("consultation", string(ev.Consultation)).
				Str("to", role.String()).Msg("caption delivery failed")
		}
	}
}

// classifyForwardFailure maps backend errors to the degraded-captions
// state: the call continues, only the caption feature suffers.
func (p *Ingest) classifyForwardFailure(cid domain.ConsultationID, role domain.Role, st *streamState, err error) {
	p.mu.Lock()
	st.backendFailures++
	failures := st.backendFailures
	p.mu.Unlock()

	switch {
	case errors.Is(err, transcribe.ErrQuotaExhausted):
		log.Error().Err(err).Str("module", "app.ingest").
			Str("consultation", string(cid)).Msg("backend quota exhausted, captions degraded")
	case errors.Is(err, transcribe.ErrUnavailable):
		log.Warn().Err(err).Str("module", "app.ingest").
			Str("consultation", string(cid)).Int("failures", failures).
			Msg("backend unavailable, chunk re-queued")
	default:
		log.Error().Err(err).Str("module", "app.ingest").
			Str("consultation", string(cid)).Msg("chunk forward failed")
	}

	if rec, ok := p.reg.Lookup(cid, role); ok && rec.State == domain.StateOpen {
		msg := domain.SignalingMessage{Type: domain.MsgCaptionsDegraded}
		_ = rec.Conn.TrySend(msg.Encode())
	}
}
