package server

// State is a lifecycle state. Transitions only move forward:
// New -> Initialized -> Running -> Stopped -> Uninitialized, and Uninit
// reaches Uninitialized from any state.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateRunning
	StateStopped
	StateUninitialized
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateUninitialized:
		return "uninitialized"
	}
	return "unknown"
}
