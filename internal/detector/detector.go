// Package detector answers "is this pid still our process?" for processes the
// current run did not spawn, such as a service child orphaned by a crashed
// parent and recorded in a pidfile.
package detector

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// ProcStartUnix returns the start time of pid as unix seconds, or 0 when it
// cannot be determined.
func ProcStartUnix(pid int) int64 { return getProcStartUnix(pid) }
