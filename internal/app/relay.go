package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

// Relay routes negotiation messages between the two roles of a session.
// Payloads are forwarded verbatim; only the type tag is inspected.
type Relay struct {
	reg   *Registry
	grace time.Duration
}

func NewRelay(reg *Registry, offerGrace time.Duration) *Relay {
	return &Relay{reg: reg, grace: offerGrace}
}

// Route delivers a signaling message to the counterpart of fromRole.
// Offers and answers that cannot be delivered are dropped: they are stale
// the moment the remote leg is away, and a fresh offer/answer cycle is
// re-initiated on reconnect. ICE candidates remain valid across a short
// outage, so they are the one type queued for replay instead.
func (r *Relay) Route(cid domain.ConsultationID, from domain.Role, raw core.Frame) {
	t, err := domain.PeekType(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Str("from", from.String()).
			Msg("malformed signaling payload dropped")
		return
	}
	r.reg.Touch(cid, from)

	switch t {
	case domain.MsgOffer:
		r.reg.markOfferRouted(cid)
		r.deliver(cid, from, t, raw)
	case domain.MsgAnswer:
		r.reg.markAnswerRouted(cid)
		r.deliver(cid, from, t, raw)
	case domain.MsgICECandidate:
		if r.deliver(cid, from, t, raw) {
			return
		}
		r.queueForReplay(cid, from, raw)
	default:
		log.Warn().Str("module", "app.relay").Str("type", string(t)).
			Str("consultation", string(cid)).Str("from", from.String()).
			Msg("unexpected signaling type dropped")
	}
}

func (r *Relay) deliver(cid domain.ConsultationID, from domain.Role, t domain.MessageType, raw core.Frame) bool {
	peer, ok := r.reg.Counterpart(cid, from)
	if !ok || peer.State != domain.StateOpen {
		log.Debug().Str("module", "app.relay").Str("type", string(t)).
			Str("consultation", string(cid)).Str("from", from.String()).
			Msg("remote leg not open")
		return false
	}
	if err := peer.Conn.TrySend(raw); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("type", string(t)).
			Str("consultation", string(cid)).Str("to", from.Other().String()).
			Msg("delivery failed")
		return false
	}
	return true
}

func (r *Relay) queueForReplay(cid domain.ConsultationID, from domain.Role, raw core.Frame) {
	rec, ok := r.reg.Lookup(cid, from)
	if !ok {
		return
	}
	if err := rec.Pending.Enqueue(raw); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Str("from", from.String()).
			Msg("candidate dropped, replay queue full")
		return
	}
	log.Debug().Str("module", "app.relay").Str("consultation", string(cid)).
		Str("from", from.String()).Int("queued", rec.Pending.Len()).
		Msg("candidate queued until remote leg opens")
}

// PeerJoined is called by the transport after an admission. It emits the
// join notification that elects the earlier-admitted role as offer
// initiator, and replays any candidates buffered while the leg was away.
func (r *Relay) PeerJoined(cid domain.ConsultationID, role domain.Role, result AdmissionResult) {
	switch result {
	case AdmittedSecond:
		r.flushReplay(cid, role)
		r.notifyInitiator(cid)
		r.armOfferFallback(cid)
	case Superseded:
		r.flushReplay(cid, role)
		if _, ok := r.reg.Counterpart(cid, role); !ok {
			return
		}
		// A leg dropped mid-negotiation: the offer/answer cycle must be
		// re-run, so the initiator gets a fresh notification.
		if !r.reg.negotiationComplete(cid) {
			r.reg.resetNegotiation(cid)
			r.notifyInitiator(cid)
			r.armOfferFallback(cid)
		}
	}
}

// flushReplay drains candidates the counterpart queued while this role's
// leg was not open, in original order.
func (r *Relay) flushReplay(cid domain.ConsultationID, openedRole domain.Role) {
	peer, ok := r.reg.Counterpart(cid, openedRole)
	if !ok {
		return
	}
	target, ok := r.reg.Lookup(cid, openedRole)
	if !ok {
		return
	}
	sent, err := peer.Pending.Flush(func(f core.Frame) error {
		return target.Conn.TrySend(f)
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Int("sent", sent).
			Msg("replay flush interrupted, remainder re-queued")
		return
	}
	if sent > 0 {
		log.Info().Str("module", "app.relay").Str("consultation", string(cid)).
			Str("to", openedRole.String()).Int("sent", sent).Msg("replayed buffered candidates")
	}
}

func (r *Relay) notifyInitiator(cid domain.ConsultationID) {
	initiator, ok := r.reg.initiatorOf(cid)
	if !ok {
		return
	}
	rec, ok := r.reg.Lookup(cid, initiator)
	if !ok || rec.State != domain.StateOpen {
		return
	}
	msg := domain.SignalingMessage{
		Type:              domain.MsgJoinNotification,
		Role:              initiator.Other(),
		TotalParticipants: 2,
	}
	if err := rec.Conn.TrySend(msg.Encode()); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").
			Str("consultation", string(cid)).Msg("join notification delivery failed")
		return
	}
	log.Info().Str("module", "app.relay").Str("consultation", string(cid)).
		Str("initiator", initiator.String()).Msg("join notification sent")
}

// armOfferFallback guards the race where both roles connect near
// simultaneously and the notification alone fails to elect an initiator:
// if no offer has been routed within the grace window, the notification is
// re-issued. An already-initiated peer treats the duplicate as a no-op.
func (r *Relay) armOfferFallback(cid domain.ConsultationID) {
	r.reg.setNotifyTimer(cid, time.AfterFunc(r.grace, func() {
		if r.reg.offerRoutedYet(cid) {
			return
		}
		log.Warn().Str("module", "app.relay").Str("consultation", string(cid)).
			Dur("grace", r.grace).Msg("no offer within grace window, re-notifying initiator")
		r.notifyInitiator(cid)
	}))
}

// Negotiation bookkeeping helpers; all guarded by the registry lock.

func (r *Registry) markOfferRouted(cid domain.ConsultationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cid]; ok {
		s.offerRouted = true
		if s.notifyTimer != nil {
			s.notifyTimer.Stop()
			s.notifyTimer = nil
		}
	}
}

func (r *Registry) markAnswerRouted(cid domain.ConsultationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cid]; ok {
		s.answerRouted = true
	}
}

func (r *Registry) offerRoutedYet(cid domain.ConsultationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	return ok && s.offerRouted
}

func (r *Registry) negotiationComplete(cid domain.ConsultationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	return ok && s.offerRouted && s.answerRouted
}

func (r *Registry) resetNegotiation(cid domain.ConsultationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cid]; ok {
		s.offerRouted = false
		s.answerRouted = false
	}
}

func (r *Registry) initiatorOf(cid domain.ConsultationID) (domain.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	if !ok || s.initiator == "" {
		return "", false
	}
	return s.initiator, true
}

func (r *Registry) setNotifyTimer(cid domain.ConsultationID, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	if !ok {
		t.Stop()
		return
	}
	if s.notifyTimer != nil {
		s.notifyTimer.Stop()
	}
	s.notifyTimer = t
}
