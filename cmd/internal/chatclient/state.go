package chatclient

// ConnState is the per-conversation connection lifecycle state.
//
// idle -> connecting -> attaching -> attached
// attached -> disconnected (transport lost, auto-recovery running)
// disconnected -> suspended (recovery exhausted or attach timed out)
// any -> failed (non-recoverable without an explicit reconnect)
//
// suspended and failed both accept ManualReconnect, which re-enters
// connecting.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateAttaching
	StateAttached
	StateDisconnected
	StateSuspended
	StateFailed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDisconnected:
		return "disconnected"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusLabel maps the state machine onto the four user-facing connection
// labels.
func (s ConnState) StatusLabel() string {
	switch s {
	case StateConnecting, StateAttaching:
		return "connecting"
	case StateAttached:
		return "live"
	case StateDisconnected, StateSuspended:
		return "offline — retrying"
	case StateFailed:
		return "error — tap to retry"
	default:
		return ""
	}
}
