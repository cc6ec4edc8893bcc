//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// terminateGroup sends SIGTERM to the child's process group (pgid == pid
// because of Setpgid). If the group is already gone the leader is signalled
// directly so the caller still learns whether delivery worked.
func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil || p.Pid <= 0 {
		return errors.New("no process")
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}

// killPIDGroup kills a process group by pid; used for orphans found through a
// pidfile, where no *os.Process from this run exists.
func killPIDGroup(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// diedFromKill reports whether ps records termination by SIGKILL.
func diedFromKill(ps *os.ProcessState) bool {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}
