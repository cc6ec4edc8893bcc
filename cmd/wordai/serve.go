package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	wordai "github.com/wordai/editor"
	"github.com/wordai/editor/internal/config"
	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/history/factory"
	"github.com/wordai/editor/internal/logger"
	"github.com/wordai/editor/internal/metrics"
	"github.com/wordai/editor/internal/server"
	"github.com/wordai/editor/internal/supervisor"
	"github.com/wordai/editor/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// createServeCommand creates the serve subcommand
func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor and its HTTP API",
		Long: `Run the supervisor in the foreground. The background service is started
on launch when service.autostart is set, and killed when the supervisor
receives SIGINT or SIGTERM.

Examples:
  wordai serve                       # defaults plus WORDAI_* overrides
  wordai serve wordai.toml
  wordai serve --config wordai.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// runServe runs the daemon until ctx is done, then kills the service and
// drains the listeners.
func runServe(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	// History: the websocket hub always listens; configured sinks persist.
	hub := server.NewHub(log)
	sinks := []history.Sink{hub}
	var querier history.Querier
	if cfg.History.Enabled {
		stores, err := factory.NewSinks(cfg.History.DSNs)
		if err != nil {
			return err
		}
		for _, s := range stores {
			if q, ok := s.(history.Querier); ok && querier == nil {
				querier = q
			}
		}
		sinks = append(sinks, stores...)
	}
	dispatcher := history.NewDispatcher(log, sinks...)
	// Closed last so the kill event of the teardown below is still delivered.
	defer func() { _ = dispatcher.Close() }()

	sup, err := wordai.Init(cfg, log, dispatcher)
	if err != nil {
		return err
	}
	defer func() { _ = wordai.Teardown() }()

	tlsConfig, err := tls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("server TLS: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithEvents(hub),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}
	if querier != nil {
		opts = append(opts, server.WithHistory(querier))
	}
	var sampler *metrics.Sampler
	if cfg.Metrics.Enabled {
		sampler = metrics.NewSampler(sup.Name(), cfg.Metrics.SampleInterval, sup.PID, log)
		opts = append(opts, server.WithSampler(sampler))
		if cfg.Metrics.Listen == "" {
			opts = append(opts, server.WithMetrics(metrics.Handler()))
		}
	}
	api := server.NewServer(cfg.Server.Listen, server.NewRouter(sup, cfg.Server.BasePath, opts...).Handler())
	api.TLSConfig = tlsConfig

	// Bind before autostart so a busy port fails without spawning anything.
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	servers := []*http.Server{api}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving API", "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath, "tls", tlsConfig != nil)
		if tlsConfig != nil {
			return ignoreClosed(api.ServeTLS(ln, "", ""))
		}
		return ignoreClosed(api.Serve(ln))
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := server.NewServer(cfg.Metrics.Listen, mux)
		servers = append(servers, ms)
		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.Metrics.Listen)
			return ignoreClosed(ms.ListenAndServe())
		})
	}
	if sampler != nil {
		g.Go(func() error {
			sampler.Run(gctx)
			return nil
		})
	}

	if cfg.Service.Autostart {
		if st, err := sup.Start(); err != nil {
			log.Error("autostart failed", "error", err)
		} else {
			log.Info("autostarted service", "pid", *st.PID)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if err := wordai.Teardown(); err != nil && !errors.Is(err, supervisor.ErrNotInitialized) {
			log.Warn("service teardown", "error", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
