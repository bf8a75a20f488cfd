// ABOUTME: Engine lifecycle states
// ABOUTME: Created, InfoRequested, InfoAvailable, Synchronizing and Stopped
package csssync

// State is the engine lifecycle state
type State int

const (
	StateCreated State = iota
	StateInfoRequested
	StateInfoAvailable
	StateSynchronizing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInfoRequested:
		return "info-requested"
	case StateInfoAvailable:
		return "info-available"
	case StateSynchronizing:
		return "synchronizing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
