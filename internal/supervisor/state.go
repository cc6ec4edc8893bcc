package supervisor

// State is the lifecycle state of the supervised service.
//
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Starting -> Stopped on spawn failure, Running -> Stopped on unexpected exit.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// inFlight reports whether a lifecycle transition is in progress.
func (s State) inFlight() bool { return s == StateStarting || s == StateStopping }
