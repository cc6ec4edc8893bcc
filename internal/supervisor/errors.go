package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictingOperation is returned when Start or Stop is called while
	// another lifecycle transition is still in flight.
	ErrConflictingOperation = errors.New("conflicting operation: a start or stop is already in progress")
	// ErrSupervisorClosed is returned by Start after Shutdown.
	ErrSupervisorClosed = errors.New("supervisor is shut down")
	// ErrNotInitialized is returned by Current and Teardown before Init.
	ErrNotInitialized = errors.New("supervisor not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("supervisor already initialized")
)

// SpawnError reports that the child process could not be created.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
