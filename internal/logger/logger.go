// Package logger builds the application's slog logger and the rotating
// writers that capture the service child's stdout and stderr.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the application log.
type Config struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // text, json, color
	File     string `mapstructure:"file"`   // optional; rotated with lumberjack
	ShowTime bool   `mapstructure:"show_time"`
	Rotation `mapstructure:",squash"`
}

// Rotation parameters follow lumberjack semantics.
type Rotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" json:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups int  `mapstructure:"max_backups" json:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays int  `mapstructure:"max_age_days" json:"max_age_days"` // days to keep (default 7)
	Compress   bool `mapstructure:"compress" json:"compress"`         // gzip rotated files
}

func (r Rotation) writer(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the application logger. Output goes to the rotating file when
// File is set and to stderr otherwise. The returned closer releases the file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		lw := c.Rotation.writer(c.File)
		w, closer = lw, lw
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts, c.ShowTime)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (want text, json or color)", c.Format)
	}
	return slog.New(h), closer, nil
}

// ProcessConfig describes where a child's stdout/stderr go.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type ProcessConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	StdoutPath string `mapstructure:"stdout" json:"stdout"`
	StderrPath string `mapstructure:"stderr" json:"stderr"`
	Rotation   `mapstructure:",squash"`
}

// Writers returns io.WriteClosers for stdout and stderr of the named process.
// A nil writer means the stream is discarded.
func (c ProcessConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.Rotation.writer(stdout)
	}
	if stderr != "" {
		errW = c.Rotation.writer(stderr)
	}
	return outW, errW, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
