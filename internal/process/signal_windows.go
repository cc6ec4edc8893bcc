//go:build windows

package process

import (
	"errors"
	"os"
)

// Windows has no SIGTERM for arbitrary console-less children; graceful
// termination degrades to TerminateProcess and the grace window is skipped.
func terminateGroup(p *os.Process) error {
	return errors.New("graceful termination not supported on windows")
}

func killGroup(p *os.Process) error {
	if p == nil {
		return errors.New("no process")
	}
	return p.Kill()
}

func killPIDGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// diedFromKill cannot tell TerminateProcess from a normal exit on windows;
// the forced mark set by Kill is trusted.
func diedFromKill(*os.ProcessState) bool { return true }
