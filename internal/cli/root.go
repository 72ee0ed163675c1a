// Package cli provides the command-line interface for noderunner.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/noderunner/internal/cli/commands"
)

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		// SilenceErrors keeps cobra from printing it
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return commands.ExitCode
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "noderunner",
		Short: "Run local dev nodes and read their block telemetry",
		Long: `noderunner starts a local development node (katana, anvil or a profile
loaded from YAML), exposes its block and execution-step telemetry over HTTP,
WebSocket and Prometheus, and stores run reports in SQLite.

The report command reads the same telemetry from an existing node log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewReportCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}
