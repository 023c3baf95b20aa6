package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

// NegotiationPhase tracks where the offer/answer exchange stands.
type NegotiationPhase int

const (
	PhaseIdle NegotiationPhase = iota
	// PhaseOfferSent: local offer out, waiting for the remote answer.
	PhaseOfferSent
	// PhaseAnswerReceived: remote description applied, ICE underway.
	PhaseAnswerReceived
	PhaseConnected
	PhaseFailed
)

// MediaTransport is the slice of a peer connection the negotiator needs.
// The pion-backed implementation is PeerTransport.
type MediaTransport interface {
	CreateOffer(iceRestart bool) (string, error)
	AcceptOffer(sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddRemoteCandidate(domain.ICECandidate) error
	OnLocalCandidate(func(domain.ICECandidate))
	OnConnected(func())
	OnFailure(func())
	Close()
}

const (
	maxICERestarts     = 2
	earlyCandidateCap  = 32
	candidateRetryWait = 150 * time.Millisecond
)

// Negotiator drives one leg of the offer/answer exchange over the
// signaling channel. The relay elects the initiator by sending it a join
// notification; the negotiator makes exactly one offer per election no
// matter how many duplicate notifications arrive.
type Negotiator struct {
	mt   MediaTransport
	send func(core.Frame) error

	mu            sync.Mutex
	phase         NegotiationPhase
	initiated     bool
	remoteDescSet bool
	appliedAnswer string
	early         []domain.ICECandidate
	restarts      int
}

func NewNegotiator(mt MediaTransport, send func(core.Frame) error) *Negotiator {
	n := &Negotiator{mt: mt, send: send}
	mt.OnLocalCandidate(n.sendCandidate)
	mt.OnConnected(func() {
		n.mu.Lock()
		n.phase = PhaseConnected
		n.mu.Unlock()
		log.Info().Str("module", "client.negotiator").Msg("media path established")
	})
	mt.OnFailure(n.restartICE)
	return n
}

func (n *Negotiator) Phase() NegotiationPhase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// HandleSignal consumes one frame from the signaling channel.
func (n *Negotiator) HandleSignal(raw core.Frame) {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiator").Msg("bad signaling frame")
		return
	}
	switch msg.Type {
	case domain.MsgJoinNotification:
		n.initiate()
	case domain.MsgOffer:
		n.handleOffer(msg.SDP)
	case domain.MsgAnswer:
		n.handleAnswer(msg.SDP)
	case domain.MsgICECandidate:
		n.handleCandidate(msg.Candidate)
	case domain.MsgConnected:
		log.Debug().Str("module", "client.negotiator").Str("role", msg.Role.String()).
			Msg("admission confirmed")
	case domain.MsgSuperseded:
		n.handleSuperseded()
	case domain.MsgPong:
	default:
		log.Warn().Str("module", "client.negotiator").Str("type", string(msg.Type)).
			Msg("unexpected signaling type")
	}
}

// initiate makes the one and only offer for this election. A duplicate
// join notification (the relay re-issues it if no offer shows up in time)
// is a no-op once an offer is out.
func (n *Negotiator) initiate() {
	n.mu.Lock()
	if n.initiated {
		n.mu.Unlock()
		log.Debug().Str("module", "client.negotiator").Msg("duplicate join notification ignored")
		return
	}
	n.initiated = true
	n.mu.Unlock()

	sdp, err := n.mt.CreateOffer(false)
	if err != nil {
		log.Error().Err(err).Str("module", "client.negotiator").Msg("create offer")
		n.fail()
		return
	}
	if err := n.send(domain.SignalingMessage{Type: domain.MsgOffer, SDP: sdp}.Encode()); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiator").Msg("offer send queued or failed")
	}
	n.mu.Lock()
	n.phase = PhaseOfferSent
	n.mu.Unlock()
	log.Info().Str("module", "client.negotiator").Msg("offer sent")
}

// handleOffer is the responder path: apply the remote offer, answer it.
func (n *Negotiator) handleOffer(sdp string) {
	answer, err := n.mt.AcceptOffer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "client.negotiator").Msg("accept offer")
		return
	}
	n.markRemoteDescSet()
	if err := n.send(domain.SignalingMessage{Type: domain.MsgAnswer, SDP: answer}.Encode()); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiator").Msg("answer send queued or failed")
	}
	log.Info().Str("module", "client.negotiator").Msg("answer sent")
}

func (n *Negotiator) handleAnswer(sdp string) {
	n.mu.Lock()
	if n.appliedAnswer == sdp {
		n.mu.Unlock()
		log.Debug().Str("module", "client.negotiator").Msg("duplicate answer ignored")
		return
	}
	n.mu.Unlock()

	if err := n.mt.AcceptAnswer(sdp); err != nil {
		log.Error().Err(err).Str("module", "client.negotiator").Msg("accept answer")
		return
	}
	n.mu.Lock()
	n.appliedAnswer = sdp
	n.phase = PhaseAnswerReceived
	n.mu.Unlock()
	n.markRemoteDescSet()
}

// markRemoteDescSet flips the gate for candidates and replays the ones
// that arrived before the remote description, in arrival order.
func (n *Negotiator) markRemoteDescSet() {
	n.mu.Lock()
	n.remoteDescSet = true
	early := n.early
	n.early = nil
	n.mu.Unlock()
	for _, cand := range early {
		n.addCandidate(cand)
	}
}

// handleCandidate applies a trickled remote candidate. Candidates racing
// ahead of the remote description are buffered; applying one that still
// fails gets a single delayed retry before it is given up on.
func (n *Negotiator) handleCandidate(cand *domain.ICECandidate) {
	if cand == nil {
		// End-of-candidates marker.
		return
	}
	n.mu.Lock()
	if !n.remoteDescSet {
		if len(n.early) < earlyCandidateCap {
			n.early = append(n.early, *cand)
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.addCandidate(*cand)
}

func (n *Negotiator) addCandidate(cand domain.ICECandidate) {
	if err := n.mt.AddRemoteCandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiator").Msg("add candidate, retrying once")
		time.AfterFunc(candidateRetryWait, func() {
			if err := n.mt.AddRemoteCandidate(cand); err != nil {
				log.Error().Err(err).Str("module", "client.negotiator").Msg("candidate dropped")
			}
		})
	}
}

func (n *Negotiator) sendCandidate(cand domain.ICECandidate) {
	msg := domain.SignalingMessage{Type: domain.MsgICECandidate, Candidate: &cand}
	if err := n.send(msg.Encode()); err != nil {
		log.Debug().Err(err).Str("module", "client.negotiator").Msg("candidate queued or dropped")
	}
}

// restartICE runs on media failure. Only the initiator restarts; the
// responder waits for the restarted offer to arrive. Restarts are bounded
// so a genuinely unreachable peer fails instead of looping.
func (n *Negotiator) restartICE() {
	n.mu.Lock()
	if !n.initiated {
		n.mu.Unlock()
		return
	}
	if n.restarts >= maxICERestarts {
		n.phase = PhaseFailed
		n.mu.Unlock()
		log.Error().Str("module", "client.negotiator").Int("restarts", maxICERestarts).
			Msg("media failed after bounded ICE restarts")
		return
	}
	n.restarts++
	attempt := n.restarts
	n.mu.Unlock()

	sdp, err := n.mt.CreateOffer(true)
	if err != nil {
		log.Error().Err(err).Str("module", "client.negotiator").Msg("restart offer")
		n.fail()
		return
	}
	if err := n.send(domain.SignalingMessage{Type: domain.MsgOffer, SDP: sdp}.Encode()); err != nil {
		log.Warn().Err(err).Str("module", "client.negotiator").Msg("restart offer send queued or failed")
	}
	n.mu.Lock()
	n.phase = PhaseOfferSent
	n.mu.Unlock()
	log.Warn().Str("module", "client.negotiator").Int("attempt", attempt).Msg("ICE restart offer sent")
}

func (n *Negotiator) handleSuperseded() {
	log.Warn().Str("module", "client.negotiator").
		Msg("this leg was superseded by a newer connection, stopping")
	n.fail()
	n.mt.Close()
}

func (n *Negotiator) fail() {
	n.mu.Lock()
	n.phase = PhaseFailed
	n.mu.Unlock()
}
