package session

// State is the lifecycle state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateSwitching    State = "switching"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)
