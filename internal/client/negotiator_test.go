package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

type fakeTransport struct {
	mu         sync.Mutex
	offers     []bool // iceRestart flag per CreateOffer call
	accepted   []string
	answers    []string
	candidates []domain.ICECandidate
	closed     bool

	onLocal func(domain.ICECandidate)
	onConn  func()
	onFail  func()
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, iceRestart)
	return fmt.Sprintf("offer-sdp-%d", len(f.offers)), nil
}

func (f *fakeTransport) AcceptOffer(sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, sdp)
	return "answer-sdp", nil
}

func (f *fakeTransport) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(domain.ICECandidate)) { f.onLocal = fn }
func (f *fakeTransport) OnConnected(fn func())                        { f.onConn = fn }
func (f *fakeTransport) OnFailure(fn func())                          { f.onFail = fn }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (r *frameRecorder) send(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) messages(t *testing.T) []domain.SignalingMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SignalingMessage, 0, len(r.frames))
	for _, f := range r.frames {
		var m domain.SignalingMessage
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func joinFrame() core.Frame {
	return domain.SignalingMessage{
		Type: domain.MsgJoinNotification, Role: domain.RolePatient, TotalParticipants: 2,
	}.Encode()
}

func TestNegotiator_ExactlyOneOfferPerElection(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	rec := &frameRecorder{}
	n := NewNegotiator(ft, rec.send)

	n.HandleSignal(joinFrame())
	// The relay re-issues the notification when no offer shows up within
	// its grace window; an already-initiated peer ignores the duplicate.
	n.HandleSignal(joinFrame())

	assert.Len(t, ft.offers, 1)
	msgs := rec.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgOffer, msgs[0].Type)
	assert.Equal(t, "offer-sdp-1", msgs[0].SDP)
	assert.Equal(t, PhaseOfferSent, n.Phase())
}

func TestNegotiator_ResponderAnswersOffer(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	rec := &frameRecorder{}
	n := NewNegotiator(ft, rec.send)

	n.HandleSignal(domain.SignalingMessage{Type: domain.MsgOffer, SDP: "remote-offer"}.Encode())

	assert.Equal(t, []string{"remote-offer"}, ft.accepted)
	msgs := rec.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgAnswer, msgs[0].Type)
	assert.Equal(t, "answer-sdp", msgs[0].SDP)
}

func TestNegotiator_DuplicateAnswerAppliedOnce(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	n := NewNegotiator(ft, (&frameRecorder{}).send)

	n.HandleSignal(joinFrame())
	answer := domain.SignalingMessage{Type: domain.MsgAnswer, SDP: "remote-answer"}.Encode()
	n.HandleSignal(answer)
	n.HandleSignal(answer)

	assert.Equal(t, []string{"remote-answer"}, ft.answers)
	assert.Equal(t, PhaseAnswerReceived, n.Phase())
}

func TestNegotiator_EarlyCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	n := NewNegotiator(ft, (&frameRecorder{}).send)

	for i := 0; i < 3; i++ {
		cand := &domain.ICECandidate{Candidate: fmt.Sprintf("cand-%d", i)}
		n.HandleSignal(domain.SignalingMessage{Type: domain.MsgICECandidate, Candidate: cand}.Encode())
	}
	assert.Empty(t, ft.candidates, "no candidate applied before the remote description")

	n.HandleSignal(domain.SignalingMessage{Type: domain.MsgOffer, SDP: "remote-offer"}.Encode())

	require.Len(t, ft.candidates, 3)
	for i, c := range ft.candidates {
		assert.Equal(t, fmt.Sprintf("cand-%d", i), c.Candidate)
	}

	// Later candidates go straight through.
	n.HandleSignal(domain.SignalingMessage{
		Type: domain.MsgICECandidate, Candidate: &domain.ICECandidate{Candidate: "late"},
	}.Encode())
	assert.Len(t, ft.candidates, 4)
}

func TestNegotiator_LocalCandidatesTrickleOut(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	rec := &frameRecorder{}
	NewNegotiator(ft, rec.send)

	require.NotNil(t, ft.onLocal)
	ft.onLocal(domain.ICECandidate{Candidate: "local-cand"})

	msgs := rec.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgICECandidate, msgs[0].Type)
	require.NotNil(t, msgs[0].Candidate)
	assert.Equal(t, "local-cand", msgs[0].Candidate.Candidate)
}

func TestNegotiator_BoundedICERestartsThenFailed(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	rec := &frameRecorder{}
	n := NewNegotiator(ft, rec.send)
	n.HandleSignal(joinFrame())

	ft.onFail()
	ft.onFail()
	require.Len(t, ft.offers, 3, "initial offer plus two restarts")
	assert.False(t, ft.offers[0])
	assert.True(t, ft.offers[1])
	assert.True(t, ft.offers[2])

	ft.onFail()
	assert.Len(t, ft.offers, 3, "restart budget spent")
	assert.Equal(t, PhaseFailed, n.Phase())
}

func TestNegotiator_ResponderDoesNotRestart(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	n := NewNegotiator(ft, (&frameRecorder{}).send)
	n.HandleSignal(domain.SignalingMessage{Type: domain.MsgOffer, SDP: "remote-offer"}.Encode())

	ft.onFail()
	assert.Empty(t, ft.offers, "responder waits for a restarted offer instead")
	assert.NotEqual(t, PhaseFailed, n.Phase())
}

func TestNegotiator_SupersededStopsNegotiation(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	n := NewNegotiator(ft, (&frameRecorder{}).send)
	n.HandleSignal(joinFrame())

	n.HandleSignal(domain.SignalingMessage{Type: domain.MsgSuperseded}.Encode())
	assert.Equal(t, PhaseFailed, n.Phase())
	assert.True(t, ft.closed)
}
