package domain

// ConnectionState is the lifecycle of a channel leg. StateClosed is
// terminal: it is only entered on explicit teardown or after the
// reconnect-attempt budget is exhausted, never automatically.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateDegraded
	StateReconnecting
	StateClosed
)

var stateNames = map[ConnectionState]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateDegraded:     "degraded",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s ConnectionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed. Every flow
// checks this before acting instead of consulting side flags.
func (s ConnectionState) Terminal() bool { return s == StateClosed }
