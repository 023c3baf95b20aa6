package domain

import "time"

// MinChunkBytes is the default threshold below which an audio chunk is
// treated as empty or non-informative. Undersized chunks are counted for
// diagnostics but never forwarded to the transcription backend.
const MinChunkBytes = 100

// AudioChunk is a short, timed binary audio segment sent for transcription.
type AudioChunk struct {
	Payload    []byte
	Producer   Role
	Seq        uint64
	ReceivedAt time.Time
}

func (c AudioChunk) Size() int { return len(c.Payload) }
