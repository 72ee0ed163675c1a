package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/noderunner/internal/storage"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// ReportOptions holds command-line options for the report command.
type ReportOptions struct {
	Wait         bool
	Timeout      time.Duration
	PollInterval time.Duration
	JSON         bool
	DatabasePath string
	Name         string
	LogLevel     string
}

// NewReportCommand creates the report command.
func NewReportCommand() *cobra.Command {
	opts := &ReportOptions{}

	cmd := &cobra.Command{
		Use:   "report <log-file>",
		Short: "Report block and step metrics of a node log",
		Long: `Report the block sizes, block intervals and execution steps recorded in a
node log file.

By default the blocks logged so far are reported. With --wait the command
first waits until the node mines a block with no transactions.

Exit codes:
  0 - Report produced
  1 - The log holds no blocks
  2 - Configuration or runtime error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "Wait for an idle block before reporting")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Maximum wait for an idle block (0 waits until interrupted)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", logs.DefaultPollInterval, "Log poll interval while waiting")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the report as JSON")
	cmd.Flags().StringVar(&opts.DatabasePath, "db", "", "Also store the report in this SQLite database")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Report name (default: log file name)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

func runReport(cmd *cobra.Command, args []string, opts *ReportOptions) error {
	path := args[0]
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := newLogger(opts.LogLevel, cmd.ErrOrStderr())
	reader := logs.NewReader(path,
		logs.WithPollInterval(opts.PollInterval),
		logs.WithIdleTimeout(opts.Timeout),
		logs.WithLogger(logger),
	)

	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	meta := storage.ReportMeta{Name: name}

	var (
		report *types.RunReport
		err    error
	)
	if opts.Wait {
		report, err = storage.BuildReport(ctx, reader, meta)
	} else {
		report, err = storage.SnapshotReport(reader, meta)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if opts.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(opts.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening report store: %w", err)
		}
		defer store.Close()
		if err := store.SaveReport(ctx, report); err != nil {
			return fmt.Errorf("storing report: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("formatting output: %w", err)
		}
	} else {
		writeTextReport(out, report)
	}

	if report.Blocks.Len() == 0 {
		ExitCode = 1
	}
	return nil
}

func writeTextReport(w io.Writer, r *types.RunReport) {
	fmt.Fprintf(w, "Report %s (%s)\n", r.ID, r.Name)
	fmt.Fprintf(w, "  Blocks:        %d\n", r.Blocks.Len())
	fmt.Fprintf(w, "  Transactions:  %d\n", r.Blocks.TotalTransactions())
	fmt.Fprintf(w, "  Total steps:   %d\n", r.TotalSteps)

	if r.Blocks.Len() > 0 {
		fmt.Fprintf(w, "\n  %-6s %-8s %s\n", "BLOCK", "TXS", "INTERVAL")
		for i := range r.Blocks.Sizes {
			fmt.Fprintf(w, "  %-6d %-8d %dms\n", i, r.Blocks.Sizes[i], r.Blocks.Times[i])
		}
	}

	if r.Summary == nil {
		return
	}
	writeStats(w, "Block interval (ms)", r.Summary.BlockIntervalMs)
	writeStats(w, "Transactions per block", r.Summary.BlockTransactions)
	writeStats(w, "Steps per transaction", r.Summary.Steps)
}

func writeStats(w io.Writer, title string, s *types.SeriesStats) {
	if s == nil {
		return
	}
	fmt.Fprintf(w, "\n  %s: n=%d min=%.0f p50=%.0f p90=%.0f p99=%.0f max=%.0f avg=%.1f\n",
		title, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max, s.Avg)
}
