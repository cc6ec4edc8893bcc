package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wordai/editor/internal/config"
	"github.com/wordai/editor/internal/supervisor"
	"github.com/wordai/editor/pkg/client"
)

// command carries what every client-side subcommand needs.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func newCommand(cmd *cobra.Command, flags *GlobalFlags) command {
	return command{flags: flags, out: cmd.OutOrStdout()}
}

// apiURL picks --api-url, then the listen address and base path of the
// config file, then the client default.
func (c command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, nil
	}
	if c.flags.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return "", err
	}
	return baseURLFor(cfg), nil
}

func baseURLFor(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		cfg.Server.Listen = net.JoinHostPort("127.0.0.1", port)
	}
	bp := cfg.Server.BasePath
	if bp == "/" {
		bp = ""
	}
	return scheme + "://" + cfg.Server.Listen + bp
}

func (c command) client() (*client.Client, error) {
	return c.clientWithTimeout(c.flags.APITimeout)
}

func (c command) clientWithTimeout(timeout time.Duration) (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	// self-signed certificates are the norm for the local daemon
	return client.New(client.Config{BaseURL: u, Timeout: timeout, Insecure: strings.HasPrefix(u, "https:")})
}

// stopMargin covers the kill and reap that follow the graceful window.
const stopMargin = 10 * time.Second

// stopTimeout is the request timeout for stop: never shorter than the
// daemon's stop_timeout plus stopMargin, so the reply is not cut off while
// the daemon is still waiting on the child.
func (c command) stopTimeout() time.Duration {
	wait := supervisor.DefaultStopTimeout
	if c.flags.ConfigPath != "" {
		if cfg, err := config.Load(c.flags.ConfigPath); err == nil {
			wait = cfg.Service.StopTimeout
		}
	}
	return max(c.flags.APITimeout, wait+stopMargin)
}

// reachableClient fails early with a hint when no daemon answers.
func (c command) reachableClient(ctx context.Context) (*client.Client, error) {
	return c.reachableClientWithTimeout(ctx, c.flags.APITimeout)
}

func (c command) reachableClientWithTimeout(ctx context.Context, timeout time.Duration) (*client.Client, error) {
	cl, err := c.clientWithTimeout(timeout)
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'wordai serve'", cl.BaseURL())
	}
	return cl, nil
}

func (c command) Start(ctx context.Context) error {
	cl, err := c.reachableClient(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Start(ctx)
	if err != nil {
		return err
	}
	return c.printStatus(st)
}

// stopOutput is the --json form of stop.
type stopOutput struct {
	client.Status
	Forced bool `json:"forced,omitempty"`
}

func (c command) Stop(ctx context.Context) error {
	cl, err := c.reachableClientWithTimeout(ctx, c.stopTimeout())
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(stopOutput{Status: st, Forced: res.Forced})
	}
	if err := c.printStatus(st); err != nil {
		return err
	}
	if res.Forced {
		_, err = fmt.Fprintln(c.out, "(killed after stop timeout)")
	}
	return err
}

func (c command) Status(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	return c.printStatus(st)
}

func (c command) Exit(ctx context.Context) error {
	cl, err := c.reachableClient(ctx)
	if err != nil {
		return err
	}
	info, err := cl.LastExit(ctx)
	if errors.Is(err, client.ErrNoExit) {
		if c.flags.JSON {
			return c.printJSON(nil)
		}
		_, err = fmt.Fprintln(c.out, "no exit recorded yet")
		return err
	}
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(info)
	}
	forced := ""
	if info.Forced {
		forced = " (killed after stop timeout)"
	}
	_, err = fmt.Fprintf(c.out, "pid %d: %s, exit code %d%s at %s\n",
		info.PID, info.Description, info.ExitCode, forced, info.ExitedAt.Format(time.RFC3339))
	return err
}

func (c command) History(ctx context.Context, limit int) error {
	cl, err := c.reachableClient(ctx)
	if err != nil {
		return err
	}
	events, err := cl.History(ctx, limit)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(events)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPID\tEXIT\tDETAIL")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Record.PID, e.Record.ExitCode, e.Record.Description)
	}
	return tw.Flush()
}

func (c command) printStatus(st client.Status) error {
	if c.flags.JSON {
		return c.printJSON(st)
	}
	var err error
	if st.Running && st.PID != nil {
		_, err = fmt.Fprintf(c.out, "running (pid %d)\n", *st.PID)
	} else {
		_, err = fmt.Fprintln(c.out, "stopped")
	}
	return err
}

func (c command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, flags).Start(cmd.Context())
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background service",
		Long: `Stop the background service. The daemon sends a graceful signal and
kills the service once the configured stop timeout elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, flags).Stop(cmd.Context())
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the background service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, flags).Status(cmd.Context())
		},
	}
}

func createExitCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Show how the service last exited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, flags).Exit(cmd.Context())
		},
	}
}

func createHistoryCommand(flags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, flags).History(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	return cmd
}
