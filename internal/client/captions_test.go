package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohealth/teleconsult/internal/domain"
)

func TestCaptionStreamer_DeliversCaptions(t *testing.T) {
	t.Parallel()

	var got []domain.CaptionMessage
	s := NewCaptionStreamer(nil, nil, 0, func(m domain.CaptionMessage) {
		got = append(got, m)
	})

	s.handleFrame(domain.CaptionMessage{
		Type: domain.MsgCaption, Speaker: domain.RoleDoctor,
		Text: "take one daily", Own: false,
	}.Encode())

	require.Len(t, got, 1)
	assert.Equal(t, domain.RoleDoctor, got[0].Speaker)
	assert.Equal(t, "take one daily", got[0].Text)
	assert.False(t, got[0].Own)
}

func TestCaptionStreamer_DegradedFlagTracksNotices(t *testing.T) {
	t.Parallel()

	s := NewCaptionStreamer(nil, nil, 0, nil)
	assert.False(t, s.Degraded())

	s.handleFrame(domain.SignalingMessage{Type: domain.MsgCaptionsDegraded}.Encode())
	assert.True(t, s.Degraded())

	// The next caption proves the pipeline recovered.
	s.handleFrame(domain.CaptionMessage{Type: domain.MsgCaption, Speaker: domain.RolePatient, Text: "ok"}.Encode())
	assert.False(t, s.Degraded())
}

func TestCaptionStreamer_IgnoresMalformedFrames(t *testing.T) {
	t.Parallel()

	called := false
	s := NewCaptionStreamer(nil, nil, 0, func(domain.CaptionMessage) { called = true })

	s.handleFrame([]byte(`{not json`))
	assert.False(t, called)
	assert.False(t, s.Degraded())
}
