package session

// State is the connection state of a session. Only the session's control
// goroutine changes it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Final reports whether no further transitions can happen from s once the
// session has stopped running.
func (s State) Final() bool {
	return s == StateDisconnected || s == StateTerminated
}
