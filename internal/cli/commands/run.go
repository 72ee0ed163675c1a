package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/noderunner/internal/config"
	"github.com/gateway-fm/noderunner/internal/metrics"
	"github.com/gateway-fm/noderunner/internal/storage"
	"github.com/gateway-fm/noderunner/internal/transport"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/runner"
	"github.com/gateway-fm/noderunner/pkg/types"
)

const (
	shutdownTimeout = 5 * time.Second

	// reportTimeout bounds the idle wait of the final report when no idle
	// timeout is configured.
	reportTimeout = 30 * time.Second
)

// RunOptions holds command-line options for the run command.
type RunOptions struct {
	Config     *config.Config
	Name       string
	RemoveLogs bool
	LogLevel   string

	// envErr is a bad NODERUNNER_* variable, reported when the command runs.
	envErr error
}

// NewRunCommand creates the run command. Flag defaults come from the
// NODERUNNER_* environment.
func NewRunCommand() *cobra.Command {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	opts := &RunOptions{Config: cfg, envErr: err}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a dev node and serve its telemetry",
		Long: `Start a local development node and serve its telemetry until interrupted.

The node's RPC endpoint and prefunded accounts are logged at startup. While it
runs, the HTTP server exposes:
  /v1/status   endpoint, status and accounts
  /v1/blocks   block messages logged so far
  /v1/series   block sizes and intervals once the chain is idle
  /v1/steps    execution steps per transaction
  /ws/blocks   live block stream
  /metrics     Prometheus metrics

On SIGINT or SIGTERM the node is stopped. With --db a run report is stored
first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Executable, "executable", cfg.Executable, "Node executable")
	f.StringVar(&cfg.Profile, "profile", cfg.Profile, "Node profile (katana, anvil or one from --profiles)")
	f.StringVar(&cfg.ProfilesPath, "profiles", cfg.ProfilesPath, "YAML file with additional node profiles")
	f.Uint16Var(&cfg.Accounts, "accounts", cfg.Accounts, "Number of prefunded accounts")
	f.BoolVar(&cfg.BlockProduction, "block-production", cfg.BlockProduction, "Mine blocks on an interval instead of per transaction")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Account seed")
	f.IntVar(&cfg.Port, "port", cfg.Port, "Node RPC port (0 picks a free port)")
	f.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for node logs")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address")
	f.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite database for run reports (empty disables)")
	f.StringVar(&cfg.CORSAllowedOrigins, "cors", cfg.CORSAllowedOrigins, "Comma-separated allowed CORS origins, or *")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Log poll interval")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Maximum wait for an idle block (0 waits for the request)")
	f.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "Maximum wait for the node to become ready")
	f.StringVar(&opts.Name, "name", "", "Instance name used in the log file name (default: executable name)")
	f.BoolVar(&opts.RemoveLogs, "remove-logs", false, "Delete the node log on exit")
	f.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	if opts.envErr != nil {
		return fmt.Errorf("loading config: %w", opts.envErr)
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	profiles, err := cfg.Registry()
	if err != nil {
		return err
	}

	logger := newLogger(opts.LogLevel, cmd.ErrOrStderr())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	r, err := runner.New(ctx, runner.Config{
		Executable:      cfg.Executable,
		Name:            opts.Name,
		Accounts:        cfg.Accounts,
		BlockProduction: cfg.BlockProduction,
		Seed:            cfg.Seed,
		Port:            cfg.Port,
		LogDir:          cfg.LogDir,
		Profile:         cfg.Profile,
		Profiles:        profiles,
		ReadyTimeout:    cfg.ReadyTimeout,
		RemoveLogs:      opts.RemoveLogs,
		PollInterval:    cfg.PollInterval,
		IdleTimeout:     cfg.IdleTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer r.Stop()

	accounts := make([]string, 0, len(r.Accounts()))
	for _, acc := range r.Accounts() {
		accounts = append(accounts, acc.Address)
	}
	logger.Info("node ready",
		slog.String("profile", r.Profile()),
		slog.String("endpoint", r.Endpoint()),
		slog.String("log", r.LogPath()),
		slog.Any("accounts", accounts),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter := metrics.NewExporter(reg, logs.NewObserver(r.Logs()), logger)
	exporter.SetStatus(r.Status())
	go exporter.Run(ctx, cfg.PollInterval)

	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening report store: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	}

	server := transport.NewServer(transport.ServerConfig{
		Reader:             r.Logs(),
		Node:               r,
		Exporter:           exporter,
		Store:              store,
		Gatherer:           reg,
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-r.Exited():
		runErr = fmt.Errorf("%w while serving", runner.ErrProcessExited)
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", slog.String("error", err.Error()))
	}

	if store != nil && runErr == nil {
		if err := saveRunReport(store, r, startedAt, cfg.IdleTimeout, logger, cmd.OutOrStdout()); err != nil {
			logger.Error("failed to store run report", slog.String("error", err.Error()))
		}
	}

	if err := r.Stop(); err != nil {
		logger.Warn("node stop failed", slog.String("error", err.Error()))
	}
	exporter.SetStatus(types.StatusStopped)
	return runErr
}

// saveRunReport waits for the node to go idle and stores its report.
func saveRunReport(store storage.Storage, r *runner.Runner, startedAt time.Time, idleTimeout time.Duration, logger *slog.Logger, out io.Writer) error {
	timeout := idleTimeout
	if timeout <= 0 {
		timeout = reportTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := storage.BuildReport(ctx, r.Logs(), storage.MetaFromRunner(r, startedAt))
	if err != nil {
		return err
	}
	if err := store.SaveReport(ctx, report); err != nil {
		return err
	}
	logger.Info("stored run report",
		slog.String("id", report.ID),
		slog.Int("blocks", report.Blocks.Len()),
		slog.Uint64("total_steps", report.TotalSteps),
	)
	_, err = fmt.Fprintln(out, report.ID)
	return err
}
