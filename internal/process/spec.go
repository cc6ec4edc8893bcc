package process

import (
	"os"
	"os/exec"
	"strings"

	"github.com/wordai/editor/internal/env"
	"github.com/wordai/editor/internal/logger"
)

// Spec describes the background service process the supervisor launches.
// Program is executed directly (no shell) so a missing or non-executable
// binary surfaces as a start error instead of a shell exit status.
type Spec struct {
	Name    string               `json:"name"`
	Program string               `json:"program"`  // executable path or name resolved via PATH
	Args    []string             `json:"args"`     // arguments passed verbatim
	WorkDir string               `json:"work_dir"` // optional working dir
	Env     []string             `json:"env"`      // extra KEY=VALUE entries applied over the base env
	PIDFile string               `json:"pid_file"` // optional pidfile path; used for orphan reaping
	Log     logger.ProcessConfig `json:"log"`
}

// BuildCommand constructs an *exec.Cmd for the spec. A Program containing
// whitespace and no Args is split into fields so "python3 main.py" works as
// a single config value.
func (s *Spec) BuildCommand() *exec.Cmd {
	program := strings.TrimSpace(s.Program)
	args := s.Args
	if len(args) == 0 && strings.ContainsAny(program, " \t") {
		parts := strings.Fields(program)
		program, args = parts[0], parts[1:]
	}
	// #nosec G204 -- the command line comes from the operator's config file
	return exec.Command(program, args...)
}

// Environ applies Env over base, or over os.Environ() when base is empty.
// With no Env entries base is returned untouched (nil inherits the parent).
func (s *Spec) Environ(base []string) []string {
	if len(s.Env) == 0 {
		return base
	}
	if len(base) == 0 {
		base = os.Environ()
	}
	e := env.New(false)
	e.SetPairs(base)
	return e.Merge(s.Env)
}

// CommandLine renders the program and arguments for logs and errors.
func (s *Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return strings.TrimSpace(s.Program)
	}
	return strings.TrimSpace(s.Program) + " " + strings.Join(s.Args, " ")
}
