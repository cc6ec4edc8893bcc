// Package history exports service lifecycle events to external stores.
package history

import (
	"context"
	"database/sql"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"       // child spawned
	EventStop       EventType = "stop"        // graceful stop confirmed
	EventKill       EventType = "kill"        // stop needed SIGKILL, or shutdown teardown
	EventCrash      EventType = "crash"       // child exited on its own while running
	EventSpawnError EventType = "spawn_error" // child could not be created
)

// Record is the service snapshot attached to an event.
type Record struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	ExitCode    int       `json:"exit_code"`
	Description string    `json:"description,omitempty"` // exit description or spawn error
	StartedAt   time.Time `json:"started_at"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is implemented by sinks that can read events back.
type Querier interface {
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Row is the flat column layout shared by the SQL sinks.
type Row struct {
	Timestamp time.Time    `db:"timestamp"`
	Type      string       `db:"type"`
	Name      string       `db:"name"`
	PID       int          `db:"pid"`
	Command   string       `db:"command"`
	ExitCode  int          `db:"exit_code"`
	Detail    string       `db:"detail"`
	StartedAt sql.NullTime `db:"started_at"`
}

// Event converts a stored row back to an event.
func (r Row) Event() Event {
	e := Event{
		Type:       EventType(r.Type),
		OccurredAt: r.Timestamp,
		Record: Record{
			Name:        r.Name,
			PID:         r.PID,
			Command:     r.Command,
			ExitCode:    r.ExitCode,
			Description: r.Detail,
		},
	}
	if r.StartedAt.Valid {
		e.Record.StartedAt = r.StartedAt.Time
	}
	return e
}

// Events converts rows in order.
func Events(rows []Row) []Event {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event())
	}
	return out
}
