package supervisor

import "sync"

// The application has exactly one background service, so the supervisor that
// owns it lives in a process-wide cell with an explicit Init and Teardown.
var (
	cellMu  sync.Mutex
	current *Supervisor
)

// Init creates the process-wide supervisor. It fails if one already exists.
func Init(cfg Config) (*Supervisor, error) {
	cellMu.Lock()
	defer cellMu.Unlock()
	if current != nil {
		return nil, ErrAlreadyInitialized
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	current = s
	return s, nil
}

// Current returns the process-wide supervisor.
func Current() (*Supervisor, error) {
	cellMu.Lock()
	defer cellMu.Unlock()
	if current == nil {
		return nil, ErrNotInitialized
	}
	return current, nil
}

// Teardown shuts the process-wide supervisor down, killing any child, and
// empties the cell so Init may be called again.
func Teardown() error {
	cellMu.Lock()
	s := current
	current = nil
	cellMu.Unlock()
	if s == nil {
		return ErrNotInitialized
	}
	return s.Shutdown()
}
