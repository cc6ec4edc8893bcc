package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wordai/editor/internal/detector"
)

// pidMeta is the optional JSON line following the pid. It must stay in sync
// with what detector.PIDFileDetector parses.
type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile records pid and its start time (unix seconds, 0 if unknown).
func WritePIDFile(path string, pid int, startUnix int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: startUnix})
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	pidLine, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes path if it still belongs to pid, so a newer child's
// pidfile is never deleted by a late reaper.
func RemovePIDFile(path string, pid int) {
	cur, err := ReadPIDFile(path)
	if err != nil || cur != pid {
		return
	}
	_ = os.Remove(path)
}

// ReapOrphan kills a child left behind by a previous run of the application.
// It returns the pid that was killed, or 0 when the pidfile is missing, stale
// or refers to a reused pid. The pidfile is removed in every case it exists.
func ReapOrphan(path string, wait time.Duration) (int, error) {
	if path == "" {
		return 0, nil
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		_ = os.Remove(path)
		return 0, err
	}
	var det detector.Detector = detector.PIDFileDetector{PIDFile: path}
	alive, err := det.Alive()
	if err != nil || !alive {
		_ = os.Remove(path)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", det.Describe(), err)
		}
		return 0, nil
	}
	if err := killPIDGroup(pid); err != nil {
		return 0, fmt.Errorf("kill orphan %d: %w", pid, err)
	}
	// The orphan is not our child, so it cannot be reaped here; poll until
	// it disappears (init reaps it) or the wait elapses.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if ok, _ := (detector.PIDDetector{PID: pid}).Alive(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = os.Remove(path)
	return pid, nil
}
