package core

// Frame is a raw payload (JSON signaling message or binary audio chunk).
type Frame []byte

// SignalConnection abstracts a message transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
