package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
		createExitCommand(flags),
		createHistoryCommand(flags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "wordai",
		Short: "Supervisor for the wordai background service",
		Long: `wordai runs and supervises the background service used by the editor.

Examples:
  wordai serve --config wordai.toml   # run the supervisor and its HTTP API
  wordai start                        # start the service via the running daemon
  wordai status --json
  wordai stop --api-url=http://127.0.0.1:8765/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default from config, else http://127.0.0.1:8765/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout (stop waits at least the service stop_timeout plus 10s)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print machine-readable JSON")
	return root
}
