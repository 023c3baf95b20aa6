package domain

import "encoding/json"

// MessageType tags a signaling or caption-channel message.
type MessageType string

const (
	MsgOffer            MessageType = "offer"
	MsgAnswer           MessageType = "answer"
	MsgICECandidate     MessageType = "ice-candidate"
	MsgJoinNotification MessageType = "join-notification"

	MsgConnected        MessageType = "connected"
	MsgSuperseded       MessageType = "superseded"
	MsgCaption          MessageType = "caption"
	MsgCaptionsDegraded MessageType = "captions-degraded"
	MsgError            MessageType = "error"
	MsgPing             MessageType = "ping"
	MsgPong             MessageType = "pong"
)

// PeekType extracts only the type tag. The relay never interprets
// offer/answer contents; it forwards the raw payload verbatim.
func PeekType(raw []byte) (MessageType, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// ICECandidate is a discovered network path descriptor.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingMessage is the tagged variant carried on the signaling channel.
// A nil Candidate on an ice-candidate message signals end-of-candidates.
type SignalingMessage struct {
	Type              MessageType   `json:"type"`
	SDP               string        `json:"sdp,omitempty"`
	Candidate         *ICECandidate `json:"candidate,omitempty"`
	Role              Role          `json:"role,omitempty"`
	TotalParticipants int           `json:"totalParticipants,omitempty"`
}

func (m SignalingMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// CaptionMessage is the per-recipient caption sent down the audio channel.
// Text is what the recipient should display; AltText carries the original
// wording when it differs from the translation.
type CaptionMessage struct {
	Type      MessageType `json:"type"`
	Speaker   Role        `json:"speaker"`
	Text      string      `json:"text"`
	AltText   string      `json:"originalText,omitempty"`
	Own       bool        `json:"own"`
	Timestamp int64       `json:"timestamp"`
}

func (m CaptionMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
