package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/wordai/editor/internal/detector"
)

// waitDelay bounds how long Wait keeps draining stdout/stderr pipes after the
// child itself has exited (grandchildren may still hold them open).
const waitDelay = time.Second

// ExitInfo describes how a child process ended.
type ExitInfo struct {
	PID         int       `json:"pid"`
	ExitCode    int       `json:"exit_code"`   // -1 when terminated by a signal
	Description string    `json:"description"` // e.g. "exit status 3", "signal: killed"
	Forced      bool      `json:"forced"`      // true when the supervisor had to SIGKILL
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ExitedAt    time.Time `json:"exited_at"`
}

// Handle is the OS-level identity of a spawned child and the means to signal
// and wait on it. A reaper goroutine owns cmd.Wait; everybody else observes
// the exit through Done.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	pidFile   string

	done chan struct{} // closed by the reaper once cmd.Wait returns

	mu      sync.Mutex
	exit    ExitInfo
	forced  bool
	closers []io.Closer
}

// Spawn starts the process described by spec. spec.Env is applied over env;
// an empty env stands for the parent environment.
func Spawn(spec Spec, env []string) (*Handle, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if environ := spec.Environ(env); len(environ) > 0 {
		cmd.Env = environ
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var closers []io.Closer
	outW, errW, err := spec.Log.Writers(spec.Name)
	if err != nil {
		return nil, err
	}
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	}
	// nil Stdout/Stderr are connected to the null device by os/exec.

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, err
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		pidFile:   spec.PIDFile,
		done:      make(chan struct{}),
		closers:   closers,
	}
	if h.pidFile != "" {
		// Best-effort: the pidfile only serves orphan reaping after a parent crash.
		// Written before the reaper starts so it can never outlive the child.
		_ = WritePIDFile(h.pidFile, h.pid, detector.ProcStartUnix(h.pid))
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	info := ExitInfo{
		PID:       h.pid,
		ExitCode:  -1,
		StartedAt: h.startedAt,
		ExitedAt:  time.Now(),
	}
	if ps := h.cmd.ProcessState; ps != nil {
		info.ExitCode = ps.ExitCode()
		info.Description = ps.String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.Error = err.Error()
	}

	h.mu.Lock()
	// a child that exited on its own between the deadline and the kill
	// is not reported as forced
	info.Forced = h.forced && h.cmd.ProcessState != nil && diedFromKill(h.cmd.ProcessState)
	h.exit = info
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	closeAll(closers)
	if h.pidFile != "" {
		RemovePIDFile(h.pidFile, h.pid)
	}
	close(h.done)
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the time the process was started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited is the non-blocking liveness check.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Exit returns the exit description. It is only meaningful after Done is closed.
func (h *Handle) Exit() ExitInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Terminate asks the process group to exit with a graceful signal and waits
// up to grace for it to do so; on the deadline the group is killed. It
// returns only once the process has been reaped and reports whether it had to
// be killed.
func (h *Handle) Terminate(grace time.Duration) bool {
	if h.Exited() {
		return false
	}
	if err := terminateGroup(h.cmd.Process); err != nil {
		// Signal delivery failed (already gone or unsupported); fall through
		// to the bounded wait and escalate if the process is still there.
		grace = 0
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.Kill()
		<-h.done
	}
	// Kill may also have come from another goroutine (shutdown).
	return h.Exit().Forced
}

// Kill sends SIGKILL to the process group without waiting. The exit is
// reported as forced only if the child actually died from the signal.
func (h *Handle) Kill() {
	if h.Exited() {
		return
	}
	h.mu.Lock()
	h.forced = true
	h.mu.Unlock()
	_ = killGroup(h.cmd.Process)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
