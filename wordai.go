// Package wordai is the embedding facade of the service supervisor: load a
// configuration, build the supervisor for the background service and expose
// it over HTTP.
package wordai

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/wordai/editor/internal/config"
	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/metrics"
	"github.com/wordai/editor/internal/process"
	iapi "github.com/wordai/editor/internal/server"
	"github.com/wordai/editor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Supervisor = supervisor.Supervisor

type Status = supervisor.Status

type ExitInfo = process.ExitInfo

type HistoryEvent = history.Event

type HistorySink = history.Sink

// Publisher receives lifecycle events; *history.Dispatcher implements it.
type Publisher = supervisor.Publisher

var (
	ErrConflictingOperation = supervisor.ErrConflictingOperation
	ErrSupervisorClosed     = supervisor.ErrSupervisorClosed
)

// LoadConfig reads a TOML configuration file; an empty path uses defaults
// and WORDAI_* environment overrides only.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// SupervisorConfig turns the service section of c into a supervisor
// configuration, composing the child environment. pub may be nil.
func SupervisorConfig(c *Config, logger *slog.Logger, pub Publisher) (supervisor.Config, error) {
	env, err := c.ServiceEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Spec:        c.ProcessSpec(),
		Env:         env,
		StopTimeout: c.Service.StopTimeout,
		Logger:      logger,
		History:     pub,
	}, nil
}

// New builds a standalone supervisor for the service described by c.
func New(c *Config, logger *slog.Logger, pub Publisher) (*Supervisor, error) {
	sc, err := SupervisorConfig(c, logger, pub)
	if err != nil {
		return nil, err
	}
	return supervisor.New(sc)
}

// Init creates the process-wide supervisor; pair it with Teardown.
func Init(c *Config, logger *slog.Logger, pub Publisher) (*Supervisor, error) {
	sc, err := SupervisorConfig(c, logger, pub)
	if err != nil {
		return nil, err
	}
	return supervisor.Init(sc)
}

// Teardown kills the child of the process-wide supervisor and releases it.
func Teardown() error { return supervisor.Teardown() }

// NewHTTPServer returns an unstarted server exposing the command surface of
// s under basePath.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(s, basePath).Handler())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
