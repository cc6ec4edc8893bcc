package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFileDetector detects a process via a PID file. The first line holds the
// pid; any following line may carry {"start_unix": N}, which is compared with
// the live process start time to reject reused pids.
type PIDFileDetector struct {
	PIDFile string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return false, fmt.Errorf("invalid pid in %s: %w", d.PIDFile, err)
	}

	var metaStart int64
	for _, line := range lines[1:] {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &m); err == nil && m.StartUnix > 0 {
			metaStart = m.StartUnix
			break
		}
	}
	if metaStart > 0 {
		cur := getProcStartUnix(pid)
		// Start times derived from clock ticks can be off by one second.
		if cur > 0 && (cur-metaStart > 1 || metaStart-cur > 1) {
			return false, nil // PID reused; not our process
		}
	}
	return pidAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
