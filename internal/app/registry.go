package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

// AdmissionResult is the outcome of admitting a connection to a session.
type AdmissionResult int

const (
	// AdmittedFirst: the other role is absent.
	AdmittedFirst AdmissionResult = iota
	// AdmittedSecond: the other role is already present. The relay owes
	// the existing peer a join notification.
	AdmittedSecond
	// Superseded: the same role reconnected. The stale handle has been
	// invalidated and its owner told to stop sending.
	Superseded
	// SessionFull: a different client tried to claim an occupied role.
	// Existing roles are left untouched.
	SessionFull
)

func (r AdmissionResult) String() string {
	switch r {
	case AdmittedFirst:
		return "admitted-first"
	case AdmittedSecond:
		return "admitted-second"
	case Superseded:
		return "superseded"
	case SessionFull:
		return "session-full"
	}
	return "unknown"
}

// ConnectionRecord tracks one admitted leg of a session. Fields are guarded
// by the registry lock; updates are short and atomic, no lock is held
// across channel lifetimes.
type ConnectionRecord struct {
	ID           string
	Role         domain.Role
	ClientToken  string
	Conn         core.SignalConnection
	State        domain.ConnectionState
	LastActivity time.Time
	Attempts     int
	// Pending holds payloads (ICE candidates on the signaling channel,
	// audio chunks on the caption channel) waiting for the remote leg.
	Pending *core.ChunkQueue
}

// session is one consultation: at most one doctor and one patient.
type session struct {
	id      domain.ConsultationID
	records map[domain.Role]*ConnectionRecord

	// Negotiation bookkeeping used by the relay.
	initiator    domain.Role
	offerRouted  bool
	answerRouted bool
	notifyTimer  *time.Timer

	// emptySince is set when the last role disconnects; the janitor
	// collects the session once the grace window for pending reconnects
	// has passed.
	emptySince time.Time
}

// Registry tracks consultation sessions and their participant connections.
// One instance serves the signaling channel and a second, independent
// instance serves the audio channel.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.ConsultationID]*session

	channel  string
	queueCap int
	gcGrace  time.Duration
	now      func() time.Time
}

func NewRegistry(channel string, queueCap int, gcGrace time.Duration) *Registry {
	return &Registry{
		sessions: make(map[domain.ConsultationID]*session),
		channel:  channel,
		queueCap: queueCap,
		gcGrace:  gcGrace,
		now:      time.Now,
	}
}

// Admit registers conn under role in the consultation. The client token
// distinguishes the same client reconnecting (supersede) from a different
// client trying to claim an occupied role (session-full).
func (r *Registry) Admit(cid domain.ConsultationID, role domain.Role, token string, conn core.SignalConnection) (AdmissionResult, *ConnectionRecord) {
	var stale core.SignalConnection

	r.mu.Lock()
	s, ok := r.sessions[cid]
	if !ok {
		s = &session{id: cid, records: make(map[domain.Role]*ConnectionRecord)}
		r.sessions[cid] = s
	}
	s.emptySince = time.Time{}

	old, occupied := s.records[role]
	if occupied && old.ClientToken != token {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("channel", r.channel).
			Str("consultation", string(cid)).Str("role", role.String()).
			Msg("admission refused, role already held by another client")
		return SessionFull, nil
	}

	rec := &ConnectionRecord{
		ID:           uuid.NewString(),
		Role:         role,
		ClientToken:  token,
		Conn:         conn,
		State:        domain.StateOpen,
		LastActivity: r.now(),
		Pending:      core.NewChunkQueue(r.queueCap),
	}
	if occupied {
		stale = old.Conn
		// The superseding connection inherits queued payloads so nothing
		// buffered during the outage is lost.
		rec.Pending = old.Pending
	}
	s.records[role] = rec

	result := AdmittedFirst
	switch {
	case occupied:
		result = Superseded
	case len(s.records) == 2:
		result = AdmittedSecond
		s.initiator = role.Other()
	}
	r.mu.Unlock()

	if stale != nil {
		_ = stale.TrySend(domain.SignalingMessage{Type: domain.MsgSuperseded}.Encode())
		stale.Close()
	}

	log.Info().Str("module", "app.registry").Str("channel", r.channel).
		Str("consultation", string(cid)).Str("role", role.String()).
		Str("result", result.String()).Msg("admitted connection")
	return result, rec
}

// Drop removes the record if connID still identifies the current
// connection for that role; a superseded handle dropping later is a no-op.
func (r *Registry) Drop(cid domain.ConsultationID, role domain.Role, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	if !ok {
		return
	}
	rec, ok := s.records[role]
	if !ok || rec.ID != connID {
		return
	}
	delete(s.records, role)
	log.Info().Str("module", "app.registry").Str("channel", r.channel).
		Str("consultation", string(cid)).Str("role", role.String()).Msg("dropped connection")
	if len(s.records) == 0 {
		s.emptySince = r.now()
		if s.notifyTimer != nil {
			s.notifyTimer.Stop()
			s.notifyTimer = nil
		}
	}
}

// Lookup returns the current record for a role.
func (r *Registry) Lookup(cid domain.ConsultationID, role domain.Role) (*ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	if !ok {
		return nil, false
	}
	rec, ok := s.records[role]
	return rec, ok
}

// Counterpart returns the other role's record.
func (r *Registry) Counterpart(cid domain.ConsultationID, role domain.Role) (*ConnectionRecord, bool) {
	return r.Lookup(cid, role.Other())
}

// Touch records activity for liveness bookkeeping.
func (r *Registry) Touch(cid domain.ConsultationID, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cid]; ok {
		if rec, ok := s.records[role]; ok {
			rec.LastActivity = r.now()
		}
	}
}

// ActiveSessions reports how many consultations currently hold at least
// one connection.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if len(s.records) > 0 {
			n++
		}
	}
	return n
}

// StartJanitor collects sessions whose last role disconnected longer than
// the grace window ago, so reconnecting clients find their session intact.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.collect()
			}
		}
	}()
}

func (r *Registry) collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for cid, s := range r.sessions {
		if len(s.records) == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) >= r.gcGrace {
			if s.notifyTimer != nil {
				s.notifyTimer.Stop()
			}
			delete(r.sessions, cid)
			log.Info().Str("module", "app.registry").Str("channel", r.channel).
				Str("consultation", string(cid)).Msg("collected idle session")
		}
	}
}
