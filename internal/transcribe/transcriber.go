// Package transcribe defines the transport contract with the
// transcription/translation backend. The model itself is an external
// collaborator; only the exchange format and failure classes live here.
package transcribe

import (
	"context"
	"errors"

	"github.com/arohealth/teleconsult/internal/domain"
)

// Backend failures must be distinguishable from ordinary silence: silence
// is a nil Result with a nil error.
var (
	// ErrQuotaExhausted: the backend refused the chunk for quota reasons.
	ErrQuotaExhausted = errors.New("transcription quota exhausted")
	// ErrUnavailable: the backend is down or unreachable.
	ErrUnavailable = errors.New("transcription backend unavailable")
)

// Request carries one audio chunk for transcription and translation.
type Request struct {
	Consultation domain.ConsultationID
	Speaker      domain.Role
	Audio        []byte
}

// Result is the speaker-attributed text pair for one chunk.
type Result struct {
	OriginalText string `json:"originalText"`
	Translated   string `json:"translatedText"`
}

// Transcriber converts one audio chunk into original and translated text.
// A (nil, nil) return means the chunk carried no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
