package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

// CaptionStreamer owns the audio channel of one peer: it pumps capture
// chunks up, keeps the liveness exchange going, and turns inbound frames
// into display captions. A captions-degraded notice from the relay flips
// the degraded flag until captions resume.
type CaptionStreamer struct {
	ch           *Channel
	src          CaptureSource
	pingInterval time.Duration
	onCaption    func(domain.CaptionMessage)

	mu       sync.Mutex
	degraded bool
}

func NewCaptionStreamer(ch *Channel, src CaptureSource, pingInterval time.Duration, onCaption func(domain.CaptionMessage)) *CaptionStreamer {
	return &CaptionStreamer{ch: ch, src: src, pingInterval: pingInterval, onCaption: onCaption}
}

// Degraded reports whether live captioning is currently impaired.
func (s *CaptionStreamer) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *CaptionStreamer) setDegraded(v bool) {
	s.mu.Lock()
	was := s.degraded
	s.degraded = v
	s.mu.Unlock()
	if v && !was {
		log.Warn().Str("module", "client.captions").Msg("live captions degraded")
	}
	if !v && was {
		log.Info().Str("module", "client.captions").Msg("live captions recovered")
	}
}

// Run multiplexes capture chunks, channel events and the ping ticker
// until ctx is cancelled or the channel gives up for good.
func (s *CaptionStreamer) Run(ctx context.Context) error {
	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-s.src.Chunks():
			if !ok {
				return nil
			}
			if err := s.ch.Send(core.Frame(chunk)); err != nil {
				// Tail rejection: the newest chunk loses when the outage
				// queue is full.
				log.Warn().Err(err).Str("module", "client.captions").
					Int("bytes", len(chunk)).Msg("chunk not sent")
			}
		case ev, ok := <-s.ch.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventOpen:
				log.Info().Str("module", "client.captions").
					Int("queued", s.ch.QueuedLen()).Msg("audio channel open")
			case EventFrame:
				s.handleFrame(ev.Frame)
			case EventDisconnected:
				log.Warn().Err(ev.Err).Str("module", "client.captions").Msg("audio channel dropped")
			case EventExhausted:
				return ev.Err
			}
		case <-pingC:
			if err := s.ch.SendControl(domain.SignalingMessage{Type: domain.MsgPing}.Encode()); err != nil {
				log.Debug().Err(err).Str("module", "client.captions").Msg("ping skipped")
			}
		}
	}
}

func (s *CaptionStreamer) handleFrame(raw core.Frame) {
	t, err := domain.PeekType(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.captions").Msg("bad frame")
		return
	}
	switch t {
	case domain.MsgCaption:
		var msg domain.CaptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("module", "client.captions").Msg("bad caption")
			return
		}
		s.setDegraded(false)
		if s.onCaption != nil {
			s.onCaption(msg)
		}
	case domain.MsgCaptionsDegraded:
		s.setDegraded(true)
	case domain.MsgConnected:
		log.Debug().Str("module", "client.captions").Msg("admission confirmed")
	case domain.MsgPong:
	default:
		log.Debug().Str("module", "client.captions").Str("type", string(t)).Msg("ignored frame")
	}
}
