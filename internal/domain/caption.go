package domain

import "time"

// CaptionEvent is the result of transcribing and translating one audio
// chunk, attributed to a speaker. Transient: handed to the record store
// collaborator for persistence, never kept by the relay itself.
type CaptionEvent struct {
	Consultation ConsultationID
	Speaker      Role
	OriginalText string
	Translated   string
	GeneratedAt  time.Time
}

// Translatable reports whether the translated wording should be shown to
// the counterpart alongside the original. Identical or empty pairs carry
// no extra information.
func (e CaptionEvent) Translatable() bool {
	return e.Translated != "" && e.OriginalText != "" && e.Translated != e.OriginalText
}
