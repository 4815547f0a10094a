package connection

// State is the manager's position in its connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	// StateSimulating is terminal: real connections are never attempted again.
	StateSimulating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateSimulating:
		return "simulating"
	default:
		return "unknown"
	}
}
