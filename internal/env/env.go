// Package env composes the environment handed to the service child.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env layers variables in this order: base (the OS environment when
// inherited), then globals (env files, then config entries), then the
// per-service list passed to Merge.
type Env struct {
	Var       Var  // global variables (K->V)
	inheritOS bool // start from os.Environ()
	base      Var  // cached OS snapshot
}

// New returns an Env; inheritOS controls whether os.Environ() forms the base.
func New(inheritOS bool) *Env {
	return &Env{Var: make(Var), inheritOS: inheritOS}
}

func (e *Env) osBase() Var {
	if !e.inheritOS {
		return nil
	}
	if e.base == nil {
		base := make(Var)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				base[k] = v
			}
		}
		e.base = base
	}
	return e.base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as globals; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(strings.TrimSpace(k), v)
		}
	}
}

// LoadFile applies a .env file (KEY=VALUE lines, '#' comments) as globals.
func (e *Env) LoadFile(path string) error {
	m, err := ParseFile(path)
	if err != nil {
		return err
	}
	for k, v := range m {
		e.Set(k, v)
	}
	return nil
}

// Merge composes the final "K=V" list, sorted by key. ${VAR} references are
// expanded once against the composed map.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	for k, v := range e.osBase() {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perProc {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		return m[name]
	})
}

// ParseFile reads a dotenv file: KEY=VALUE lines, '#' comments, an optional
// "export " prefix and quoted values. References to keys defined earlier in
// the same file are expanded.
func ParseFile(path string) (map[string]string, error) {
	return godotenv.Read(filepath.Clean(path))
}
