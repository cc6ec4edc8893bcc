package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordai/editor/internal/detector"
	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

type recorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recorder) Publish(e history.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestSupervisor(t *testing.T, program string, args ...string) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := New(Config{
		Spec: process.Spec{
			Name:    "test-service",
			Program: program,
			Args:    args,
			PIDFile: filepath.Join(t.TempDir(), "service.pid"),
		},
		StopTimeout: 2 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		History:     rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, rec
}

func assertStatusInvariant(t *testing.T, st Status) {
	t.Helper()
	if st.Running {
		require.NotNil(t, st.PID, "running status without pid")
		assert.Positive(t, *st.PID)
	} else {
		assert.Nil(t, st.PID, "stopped status with pid")
	}
}

func alive(pid int) bool {
	ok, _ := detector.PIDDetector{PID: pid}.Alive()
	return ok
}

func TestNewRequiresProgram(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStartStatusStopScenario(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, "sleep", "30")

	st, err := s.Start()
	require.NoError(t, err)
	require.True(t, st.Running)
	require.NotNil(t, st.PID)
	pid := *st.PID
	assert.Positive(t, pid)

	assert.Equal(t, st, s.Status())
	assert.Equal(t, StateRunning, s.State())

	res, err := s.Stop()
	require.NoError(t, err)
	assert.False(t, res.Forced)
	st = s.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.PID)
	assert.False(t, alive(pid), "child still alive after Stop returned")

	exit, ok := s.LastExit()
	require.True(t, ok)
	assert.Equal(t, pid, exit.PID)
	assert.False(t, exit.Forced)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, rec.types())
}

func TestStartWhenRunningDoesNotSpawnAgain(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	var spawns atomic.Int32
	s.spawn = func(spec process.Spec, env []string) (*process.Handle, error) {
		spawns.Add(1)
		return process.Spawn(spec, env)
	}

	first, err := s.Start()
	require.NoError(t, err)
	second, err := s.Start()
	require.NoError(t, err)

	assert.Equal(t, int32(1), spawns.Load())
	require.NotNil(t, second.PID)
	assert.Equal(t, *first.PID, *second.PID)
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	s, rec := newTestSupervisor(t, "sleep", "30")
	for i := 0; i < 2; i++ {
		res, err := s.Stop()
		require.NoError(t, err)
		assert.False(t, res.Forced)
	}
	assert.Equal(t, StateStopped, s.State())
	_, ok := s.LastExit()
	assert.False(t, ok)
	assert.Empty(t, rec.types())
}

func TestCrashObservedByStatus(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, "sh", "-c", "exit 3")

	st, err := s.Start()
	require.NoError(t, err)
	assertStatusInvariant(t, st)

	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		return !s.Status().Running
	}), "crash not observed")
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.Status().PID)

	exit, ok := s.LastExit()
	require.True(t, ok)
	assert.Equal(t, 3, exit.ExitCode)
	assert.False(t, exit.Forced)
	assert.Contains(t, rec.types(), history.EventCrash)
}

func TestExitWatcherUpdatesStateWithoutPolling(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sh", "-c", "sleep 0.1")

	_, err := s.Start()
	require.NoError(t, err)

	// State does not run the liveness check; only the watcher can move it.
	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		return s.State() == StateStopped
	}))
}

func TestStartAfterCrashRespawns(t *testing.T) {
	requireUnix(t)
	marker := filepath.Join(t.TempDir(), "ran-once")
	// First run exits immediately, later runs stay up.
	script := `if [ -f "$1" ]; then exec sleep 30; fi; touch "$1"`
	s, _ := newTestSupervisor(t, "sh", "-c", script, "sh", marker)

	first, err := s.Start()
	require.NoError(t, err)
	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		return s.State() == StateStopped
	}))

	second, err := s.Start()
	require.NoError(t, err)
	require.NotNil(t, second.PID)
	assert.NotEqual(t, *first.PID, *second.PID)
	assert.True(t, s.Status().Running)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	release := make(chan struct{})
	var spawns atomic.Int32
	s.spawn = func(spec process.Spec, env []string) (*process.Handle, error) {
		spawns.Add(1)
		<-release
		return process.Spawn(spec, env)
	}

	type result struct {
		st  Status
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			st, err := s.Start()
			results <- result{st, err}
		}()
	}

	// The loser returns immediately; the winner waits on release.
	loser := <-results
	require.ErrorIs(t, loser.err, ErrConflictingOperation)
	assert.False(t, loser.st.Running)

	close(release)
	winner := <-results
	require.NoError(t, winner.err)
	assert.True(t, winner.st.Running)
	assert.Equal(t, int32(1), spawns.Load())
}

func TestStatusDoesNotBlockDuringStart(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep", "30")
	release := make(chan struct{})
	s.spawn = func(spec process.Spec, env []string) (*process.Handle, error) {
		<-release
		return nil, errors.New("refused")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start()
		errCh <- err
	}()
	require.True(t, waitUntil(2*time.Second, 5*time.Millisecond, func() bool {
		return s.State() == StateStarting
	}))

	begin := time.Now()
	st := s.Status()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.False(t, st.Running)

	_, err := s.Stop()
	require.ErrorIs(t, err, ErrConflictingOperation)

	close(release)
	var serr *SpawnError
	require.ErrorAs(t, <-errCh, &serr)
	assert.Equal(t, StateStopped, s.State())
}

func TestSpawnErrorForInvalidExecutable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	s, rec := newTestSupervisor(t, missing)

	st, err := s.Start()
	require.Error(t, err)
	assert.False(t, st.Running)

	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, missing, serr.Program)
	assert.True(t, errors.Is(err, os.ErrNotExist), "want OS detail, got %v", err)

	st = s.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.PID)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []history.EventType{history.EventSpawnError}, rec.types())
}

// ignoreTermScript ignores SIGTERM (inherited by sleep) and signals readiness
// through the file passed as $1.
const ignoreTermScript = `trap "" TERM; touch "$1"; sleep 30`

func startIgnoringTerm(t *testing.T, stopTimeout time.Duration) (*Supervisor, *recorder, int) {
	t.Helper()
	ready := filepath.Join(t.TempDir(), "ready")
	s, rec := newTestSupervisor(t, "sh", "-c", ignoreTermScript, "sh", ready)
	s.cfg.StopTimeout = stopTimeout

	st, err := s.Start()
	require.NoError(t, err)
	require.True(t, waitUntil(3*time.Second, 10*time.Millisecond, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}), "child never became ready")
	return s, rec, *st.PID
}

func TestStopForceKillsAfterTimeout(t *testing.T) {
	requireUnix(t)
	s, rec, pid := startIgnoringTerm(t, 300*time.Millisecond)

	begin := time.Now()
	res, err := s.Stop()
	require.NoError(t, err)
	assert.True(t, res.Forced, "Stop must report the kill itself")
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)

	assert.False(t, s.Status().Running)
	assert.False(t, alive(pid))
	exit, ok := s.LastExit()
	require.True(t, ok)
	assert.True(t, exit.Forced)
	assert.Equal(t, -1, exit.ExitCode)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventKill}, rec.types())
}

func TestConflictsWhileStopping(t *testing.T) {
	requireUnix(t)
	s, _, pid := startIgnoringTerm(t, time.Second)

	stopErr := make(chan error, 1)
	go func() {
		_, err := s.Stop()
		stopErr <- err
	}()
	require.True(t, waitUntil(2*time.Second, 5*time.Millisecond, func() bool {
		return s.State() == StateStopping
	}))

	// last known snapshot while the stop is in flight
	st := s.Status()
	require.True(t, st.Running)
	assert.Equal(t, pid, *st.PID)

	_, err := s.Stop()
	require.ErrorIs(t, err, ErrConflictingOperation)
	_, err = s.Start()
	require.ErrorIs(t, err, ErrConflictingOperation)

	require.NoError(t, <-stopErr)
	assert.False(t, s.Status().Running)
}

func TestShutdownDuringStopKillsImmediately(t *testing.T) {
	requireUnix(t)
	s, _, pid := startIgnoringTerm(t, 30*time.Second)

	stopErr := make(chan error, 1)
	go func() {
		_, err := s.Stop()
		stopErr <- err
	}()
	require.True(t, waitUntil(2*time.Second, 5*time.Millisecond, func() bool {
		return s.State() == StateStopping
	}))

	begin := time.Now()
	require.NoError(t, s.Shutdown())
	assert.Less(t, time.Since(begin), 5*time.Second)
	require.NoError(t, <-stopErr)

	assert.False(t, alive(pid))
	exit, ok := s.LastExit()
	require.True(t, ok)
	assert.True(t, exit.Forced)

	_, err := s.Start()
	require.ErrorIs(t, err, ErrSupervisorClosed)
}

func TestShutdownKillsRunningChild(t *testing.T) {
	requireUnix(t)
	s, rec := newTestSupervisor(t, "sleep", "30")
	st, err := s.Start()
	require.NoError(t, err)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.False(t, alive(*st.PID))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []history.EventType{history.EventStart, history.EventKill}, rec.types())
}

func TestShutdownWaitsForInFlightStart(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	release := make(chan struct{})
	s.spawn = func(spec process.Spec, env []string) (*process.Handle, error) {
		<-release
		return process.Spawn(spec, env)
	}

	startRes := make(chan Status, 1)
	go func() {
		st, _ := s.Start()
		startRes <- st
	}()
	require.True(t, waitUntil(2*time.Second, 5*time.Millisecond, func() bool {
		return s.State() == StateStarting
	}))

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- s.Shutdown() }()
	close(release)

	require.NoError(t, <-shutdownDone)
	st := <-startRes
	require.True(t, st.Running)
	assert.False(t, alive(*st.PID))
	assert.False(t, s.Status().Running)
}

func TestStatusInvariantUnderConcurrency(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	s.cfg.StopTimeout = 500 * time.Millisecond

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				switch (g + i) % 3 {
				case 0:
					st, err := s.Start()
					if err == nil {
						assertStatusInvariant(t, st)
					} else {
						assert.ErrorIs(t, err, ErrConflictingOperation)
					}
				case 1:
					if _, err := s.Stop(); err != nil {
						assert.ErrorIs(t, err, ErrConflictingOperation)
					}
				default:
					assertStatusInvariant(t, s.Status())
				}
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, s.Shutdown())
	assertStatusInvariant(t, s.Status())
	assert.Equal(t, StateStopped, s.State())
}

func TestPIDMatchesStatus(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	_, ok := s.PID()
	assert.False(t, ok)

	st, err := s.Start()
	require.NoError(t, err)
	pid, ok := s.PID()
	require.True(t, ok)
	assert.Equal(t, *st.PID, pid)
}

func TestPIDFileLifecycle(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep", "30")
	st, err := s.Start()
	require.NoError(t, err)

	pid, err := process.ReadPIDFile(s.cfg.Spec.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, *st.PID, pid)

	_, err = s.Stop()
	require.NoError(t, err)
	_, err = os.Stat(s.cfg.Spec.PIDFile)
	assert.True(t, os.IsNotExist(err), "pidfile should be removed after stop")
}

func TestStatusJSON(t *testing.T) {
	b, err := json.Marshal(Status{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":false}`, string(b))

	b, err = json.Marshal(runningStatus(42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true,"pid":42}`, string(b))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSpawnErrorUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := error(&SpawnError{Program: "python3 main.py", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "python3 main.py")
	assert.Contains(t, err.Error(), "permission denied")
}
