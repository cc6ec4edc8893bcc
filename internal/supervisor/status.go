package supervisor

// Status is the externally visible snapshot of the service. PID is set if
// and only if Running is true.
type Status struct {
	Running bool `json:"running"`
	PID     *int `json:"pid,omitempty"`
}

func runningStatus(pid int) Status {
	return Status{Running: true, PID: &pid}
}

func (s Status) clone() Status {
	if s.PID == nil {
		return s
	}
	return runningStatus(*s.PID)
}

// StopResult reports how Stop ended the child. Forced is set when the child
// ignored the graceful signal and was killed once the stop timeout elapsed.
type StopResult struct {
	Forced bool `json:"forced,omitempty"`
}
