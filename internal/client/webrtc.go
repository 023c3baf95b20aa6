package client

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/domain"
)

// PeerTransport is the pion-backed MediaTransport. It carries the
// consultation's audio over a single negotiated peer connection and
// trickles candidates out as they are discovered.
type PeerTransport struct {
	pc      *webrtc.PeerConnection
	onLocal func(domain.ICECandidate)
	onConn  func()
	onFail  func()
}

func NewPeerTransport(stunURLs []string) (*PeerTransport, error) {
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}

	t := &PeerTransport{pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.onLocal == nil {
			return
		}
		ci := c.ToJSON()
		t.onLocal(domain.ICECandidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "client.webrtc").Str("state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected:
			if t.onConn != nil {
				t.onConn()
			}
		case webrtc.ICEConnectionStateFailed:
			if t.onFail != nil {
				t.onFail()
			}
		}
	})
	return t, nil
}

// CreateOffer makes and installs a local offer. With iceRestart the
// offer carries fresh credentials so both sides re-gather candidates.
func (t *PeerTransport) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// AcceptOffer applies a remote offer and produces the local answer.
func (t *PeerTransport) AcceptOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *PeerTransport) AcceptAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (t *PeerTransport) AddRemoteCandidate(cand domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (t *PeerTransport) OnLocalCandidate(fn func(domain.ICECandidate)) { t.onLocal = fn }
func (t *PeerTransport) OnConnected(fn func())                        { t.onConn = fn }
func (t *PeerTransport) OnFailure(fn func())                          { t.onFail = fn }

func (t *PeerTransport) Close() {
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.webrtc").Msg("close peer connection")
		return
	}
	log.Info().Str("module", "client.webrtc").Msg("peer connection closed")
}

var _ MediaTransport = (*PeerTransport)(nil)
