package server

// State is the lifecycle state of a server.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateCreated, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed}

// Terminal reports whether s is stopped or failed. A terminal server holds
// no resources and must be reset before it can start again.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Active reports whether a server in state s holds a dispatcher.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Mutable reports whether tools may be added, replaced or removed.
func (s State) Mutable() bool {
	return s == StateCreated || s == StateRunning
}
