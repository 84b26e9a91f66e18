package channel

import "time"

// State is the connection lifecycle state. The Manager is its only writer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is terminal until Reconnect is called.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange describes one transition. Delay is set when a reconnection
// was scheduled; Err carries the transport error that caused the change.
type StateChange struct {
	Old     State
	New     State
	Attempt int
	Delay   time.Duration
	Err     error
}
