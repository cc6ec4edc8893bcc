// Package supervisor owns the lifecycle of the single background service
// process: start, stop, status and forced teardown, safe under concurrent
// callers.
//
// Lock hierarchy: mu guards every field below it and is only ever held for
// short, non-blocking sections. Spawning and the bounded wait in Stop run
// with mu released; the in-flight states Starting and Stopping are what keep
// a second lifecycle operation out.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/metrics"
	"github.com/wordai/editor/internal/process"
)

const (
	// DefaultStopTimeout is the graceful window Stop gives the child before
	// killing it.
	DefaultStopTimeout = 5 * time.Second
	// DefaultName names the service in logs, metrics and history.
	DefaultName = "python-service"
)

// Publisher receives lifecycle events. *history.Dispatcher implements it.
type Publisher interface {
	Publish(e history.Event)
}

// Config describes the supervised service.
type Config struct {
	Spec        process.Spec
	Env         []string      // complete child environment; empty inherits the parent's
	StopTimeout time.Duration // graceful stop window, DefaultStopTimeout when zero
	Logger      *slog.Logger
	History     Publisher // optional
}

type spawnFunc func(spec process.Spec, env []string) (*process.Handle, error)

// Supervisor starts, monitors and stops at most one child process.
type Supervisor struct {
	cfg    Config
	name   string
	logger *slog.Logger
	spawn  spawnFunc

	mu       sync.Mutex
	state    State
	handle   *process.Handle
	last     Status // snapshot returned while a transition is in flight
	lastExit *process.ExitInfo
	inflight chan struct{} // closed when the current Starting/Stopping transition ends
	closed   bool
}

// New builds a supervisor in the Stopped state. A child left behind by a
// previous run (recorded in Spec.PIDFile) is killed first.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Spec.Program == "" {
		return nil, errors.New("supervisor: program is required")
	}
	if cfg.Spec.Name == "" {
		cfg.Spec.Name = DefaultName
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		name:   cfg.Spec.Name,
		logger: cfg.Logger.With("service", cfg.Spec.Name),
		spawn:  process.Spawn,
		state:  StateStopped,
	}

	pid, err := process.ReapOrphan(cfg.Spec.PIDFile, cfg.StopTimeout)
	switch {
	case err != nil:
		s.logger.Warn("orphan check failed", "pidfile", cfg.Spec.PIDFile, "error", err)
	case pid > 0:
		s.logger.Info("killed orphaned service from a previous run", "pid", pid)
	}
	return s, nil
}

// Name returns the service name.
func (s *Supervisor) Name() string { return s.name }

// Start launches the child if it is not running. When it is already running
// the current status is returned and nothing is spawned.
func (s *Supervisor) Start() (Status, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Status{}, ErrSupervisorClosed
	}
	if s.state.inFlight() {
		s.mu.Unlock()
		metrics.IncConflict(s.name, "start")
		return Status{}, ErrConflictingOperation
	}
	if s.state == StateRunning {
		if !s.handle.Exited() {
			st := runningStatus(s.handle.PID())
			s.mu.Unlock()
			return st, nil
		}
		s.observeExitLocked(s.handle)
	}
	done := s.beginLocked(StateStarting)
	s.mu.Unlock()

	h, err := s.spawn(s.cfg.Spec, s.cfg.Env)

	s.mu.Lock()
	if err != nil {
		s.setStateLocked(StateStopped)
		s.last = Status{}
		s.endLocked(done)
		s.mu.Unlock()

		serr := &SpawnError{Program: s.cfg.Spec.CommandLine(), Err: err}
		s.logger.Error("service failed to start", "cmd", serr.Program, "error", err)
		metrics.IncSpawnFailure(s.name)
		s.publish(history.EventSpawnError, history.Record{
			Name:        s.name,
			Command:     serr.Program,
			ExitCode:    -1,
			Description: err.Error(),
		})
		return Status{}, serr
	}
	s.handle = h
	s.setStateLocked(StateRunning)
	st := runningStatus(h.PID())
	s.last = st.clone()
	// under mu, ahead of any crash event for h
	metrics.IncStart(s.name)
	s.publish(history.EventStart, s.record(h, nil))
	s.endLocked(done)
	s.mu.Unlock()

	go s.watch(h)
	s.logger.Info("service started", "pid", h.PID(), "cmd", s.cfg.Spec.CommandLine())
	return st, nil
}

// Stop terminates the child: a graceful signal first, then a kill once the
// stop timeout elapses. It returns only after the child has exited; the
// result tells the caller whether the kill was needed.
func (s *Supervisor) Stop() (StopResult, error) {
	s.mu.Lock()
	if s.state.inFlight() {
		s.mu.Unlock()
		metrics.IncConflict(s.name, "stop")
		return StopResult{}, ErrConflictingOperation
	}
	if s.state == StateStopped {
		s.mu.Unlock()
		return StopResult{}, nil
	}
	h := s.handle
	if h.Exited() {
		s.observeExitLocked(h)
		s.mu.Unlock()
		return StopResult{}, nil
	}
	done := s.beginLocked(StateStopping)
	s.mu.Unlock()

	s.logger.Info("stopping service", "pid", h.PID(), "timeout", s.cfg.StopTimeout)
	forced := h.Terminate(s.cfg.StopTimeout)
	s.finishStop(h, done, forced)
	return StopResult{Forced: forced}, nil
}

// Status reports whether the child is running. It never blocks on an
// in-flight Start or Stop; while one is in progress the last snapshot is
// returned.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.inFlight() {
		return s.last.clone()
	}
	if s.state != StateRunning {
		return Status{}
	}
	if s.handle.Exited() {
		s.observeExitLocked(s.handle)
		return Status{}
	}
	return runningStatus(s.handle.PID())
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the pid of the live child, if any. It matches
// metrics.PIDSource.
func (s *Supervisor) PID() (int, bool) {
	st := s.Status()
	if st.PID == nil {
		return 0, false
	}
	return *st.PID, true
}

// LastExit returns how the most recent child ended.
func (s *Supervisor) LastExit() (process.ExitInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastExit == nil {
		return process.ExitInfo{}, false
	}
	return *s.lastExit, true
}

// Shutdown closes the supervisor and kills the child without a graceful
// window. An in-flight Stop is cut short; an in-flight Start is allowed to
// finish and its child is then killed. Shutdown is idempotent.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	for {
		switch s.state {
		case StateStopped:
			s.mu.Unlock()
			return nil
		case StateStarting:
			wait := s.inflight
			s.mu.Unlock()
			<-wait
		case StateStopping:
			h, wait := s.handle, s.inflight
			s.mu.Unlock()
			s.logger.Warn("shutdown: killing service during stop", "pid", h.PID())
			h.Kill()
			<-wait
		case StateRunning:
			h := s.handle
			done := s.beginLocked(StateStopping)
			s.mu.Unlock()
			s.logger.Warn("shutdown: killing service", "pid", h.PID())
			h.Kill()
			<-h.Done()
			s.finishStop(h, done, h.Exit().Forced)
		}
		s.mu.Lock()
	}
}

// finishStop records the exit of h after a Stop or Shutdown and returns the
// supervisor to Stopped.
func (s *Supervisor) finishStop(h *process.Handle, done chan struct{}, forced bool) {
	info := h.Exit()
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.lastExit = &info
	s.last = Status{}
	s.setStateLocked(StateStopped)
	s.endLocked(done)
	s.mu.Unlock()

	metrics.IncStop(s.name, forced)
	if forced {
		s.logger.Warn("service did not exit in time and was killed", "pid", info.PID, "timeout", s.cfg.StopTimeout)
		s.publish(history.EventKill, s.record(h, &info))
		return
	}
	s.logger.Info("service stopped", "pid", info.PID, "exit", info.Description)
	s.publish(history.EventStop, s.record(h, &info))
}

// watch moves Running -> Stopped as soon as h exits on its own. Status
// performs the same observation when it gets there first.
func (s *Supervisor) watch(h *process.Handle) {
	<-h.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.handle == h {
		s.observeExitLocked(h)
	}
}

// observeExitLocked handles an exit nobody asked for. Caller holds mu.
func (s *Supervisor) observeExitLocked(h *process.Handle) {
	info := h.Exit()
	s.handle = nil
	s.lastExit = &info
	s.last = Status{}
	s.setStateLocked(StateStopped)

	s.logger.Warn("service exited unexpectedly", "pid", info.PID, "exit", info.Description)
	metrics.IncCrash(s.name)
	s.publish(history.EventCrash, s.record(h, &info))
}

func (s *Supervisor) beginLocked(st State) chan struct{} {
	done := make(chan struct{})
	s.inflight = done
	s.setStateLocked(st)
	return done
}

func (s *Supervisor) endLocked(done chan struct{}) {
	if s.inflight == done {
		s.inflight = nil
	}
	close(done)
}

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("state transition", "from", from, "to", to)
	metrics.RecordStateTransition(s.name, from.String(), to.String())
}

func (s *Supervisor) record(h *process.Handle, exit *process.ExitInfo) history.Record {
	rec := history.Record{
		Name:      s.name,
		PID:       h.PID(),
		Command:   s.cfg.Spec.CommandLine(),
		StartedAt: h.StartedAt(),
	}
	if exit != nil {
		rec.ExitCode = exit.ExitCode
		rec.Description = exit.Description
		if exit.Error != "" {
			rec.Description = fmt.Sprintf("%s (%s)", exit.Description, exit.Error)
		}
	}
	return rec
}

func (s *Supervisor) publish(t history.EventType, rec history.Record) {
	if s.cfg.History == nil {
		return
	}
	s.cfg.History.Publish(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}
