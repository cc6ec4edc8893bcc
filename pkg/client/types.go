package client

import "time"

// Status mirrors the service status returned by the daemon.
type Status struct {
	Running bool `json:"running"`
	PID     *int `json:"pid,omitempty"`
}

// StopResult is the reply to a stop request. Forced is set when the service
// ignored the graceful signal and was killed after the stop timeout.
type StopResult struct {
	OK     bool `json:"ok"`
	Forced bool `json:"forced,omitempty"`
}

// ExitInfo describes how the most recent service child ended.
type ExitInfo struct {
	PID         int       `json:"pid"`
	ExitCode    int       `json:"exit_code"`
	Description string    `json:"description"`
	Forced      bool      `json:"forced"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ExitedAt    time.Time `json:"exited_at"`
}

// Record is the service snapshot attached to a history event.
type Record struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	ExitCode    int       `json:"exit_code"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Event is one lifecycle history entry.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// ErrorResponse is the error body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
