// Package runner launches a dev blockchain node as a child process and
// exposes its endpoint, accounts and log telemetry to tests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/nodeprofile"
	"github.com/gateway-fm/noderunner/pkg/rpc"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// Default values.
const (
	DefaultExecutable   = "katana"
	DefaultAccounts     = 1
	DefaultLogDir       = "logs"
	DefaultReadyTimeout = 30 * time.Second

	stopTimeout       = 5 * time.Second
	readyPollInterval = 50 * time.Millisecond
	stderrTailBytes   = 4096
)

// Config configures a Runner.
type Config struct {
	// Executable is the node binary, looked up in PATH when not a path.
	Executable string

	// Name identifies the instance in its log file name; the test name is typical.
	Name string

	// Accounts is the number of prefunded accounts.
	Accounts uint16

	// BlockProduction enables interval mining instead of mining per transaction.
	BlockProduction bool

	// Seed is passed to the node, which derives its accounts from it, and
	// separates log files of parallel instances.
	Seed uint64

	// Port is the RPC port. Zero picks a free loopback port.
	Port int

	// LogDir is the directory the node log is written to.
	LogDir string

	// Profile names the node profile in Profiles.
	Profile string

	// Profiles resolves Profile. Nil means the built-in profiles.
	Profiles *nodeprofile.Registry

	// ReadyTimeout bounds the wait for readiness.
	ReadyTimeout time.Duration

	// RemoveLogs deletes the log file on Stop. Logs are kept by default.
	RemoveLogs bool

	// PollInterval and IdleTimeout configure the log reader's idle wait.
	PollInterval time.Duration
	IdleTimeout  time.Duration

	// ExtraArgs are appended to the profile arguments.
	ExtraArgs []string

	Logger *slog.Logger
}

// withDefaults returns cfg with empty fields filled in.
func (cfg Config) withDefaults() Config {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Executable)
	}
	if cfg.Accounts == 0 {
		cfg.Accounts = DefaultAccounts
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir
	}
	if cfg.Profile == "" {
		cfg.Profile = nodeprofile.Katana
	}
	if cfg.Profiles == nil {
		cfg.Profiles = nodeprofile.DefaultRegistry()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Runner owns one node process and its log file.
// It is safe for concurrent use.
type Runner struct {
	cfg      Config
	profile  *nodeprofile.Profile
	port     int
	endpoint string
	logPath  string
	logFile  *os.File
	reader   *logs.Reader
	client   *rpc.HTTPClient
	accounts []*account.Account
	logger   *slog.Logger

	cmd     *exec.Cmd
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error

	mu       sync.RWMutex
	status   types.RunnerStatus
	contract string

	stopOnce sync.Once
	stopErr  error
}

// New starts a node and blocks until it is ready, ctx is done or
// cfg.ReadyTimeout elapses. On failure the process is killed.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()

	profile := cfg.Profiles.Get(cfg.Profile)
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, cfg.Profile)
	}

	var (
		accounts []*account.Account
		err      error
	)
	if profile.AccountSource == account.SourceDevKeys {
		if accounts, err = account.LoadTestAccounts(int(cfg.Accounts)); err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
	}

	port := cfg.Port
	if port == 0 {
		if port, err = freePort(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
		}
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := LogPath(cfg.LogDir, profile.Name, cfg.Name, cfg.Seed)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	logger := cfg.Logger.With(slog.String("node", profile.Name), slog.String("instance", cfg.Name))

	clientCfg := rpc.DefaultClientConfig(endpoint)
	clientCfg.Logger = logger

	r := &Runner{
		cfg:      cfg,
		profile:  profile,
		port:     port,
		endpoint: endpoint,
		logPath:  logPath,
		logFile:  logFile,
		reader: logs.NewReader(logPath,
			logs.WithMarkers(profile.Markers),
			logs.WithPollInterval(cfg.PollInterval),
			logs.WithIdleTimeout(cfg.IdleTimeout),
			logs.WithLogger(logger),
		),
		client:   rpc.NewHTTPClient(clientCfg),
		accounts: accounts,
		logger:   logger,
		stderr:   newTailBuffer(stderrTailBytes),
		exited:   make(chan struct{}),
		status:   types.StatusStarting,
	}

	args := profile.BuildArgs(nodeprofile.ArgSpec{
		Port:            port,
		Accounts:        cfg.Accounts,
		Seed:            cfg.Seed,
		BlockProduction: cfg.BlockProduction,
	})
	args = append(args, cfg.ExtraArgs...)

	r.cmd = exec.Command(cfg.Executable, args...)
	r.cmd.Stdout = logFile
	r.cmd.Stderr = r.stderr
	// Orphaned grandchildren may hold stderr open.
	r.cmd.WaitDelay = time.Second

	if err := r.cmd.Start(); err != nil {
		logFile.Close()
		r.setStatus(types.StatusFailed)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cfg.Executable, err)
	}

	go func() {
		r.waitErr = r.cmd.Wait()
		close(r.exited)
	}()

	logger.Info("node started",
		slog.String("executable", cfg.Executable),
		slog.Int("pid", r.cmd.Process.Pid),
		slog.String("endpoint", endpoint),
		slog.String("log", logPath),
	)

	if err := r.waitReady(ctx); err != nil {
		r.kill()
		r.setStatus(types.StatusFailed)
		return nil, err
	}

	r.setStatus(types.StatusReady)
	logger.Info("node ready", slog.String("endpoint", endpoint))
	return r, nil
}

// NewWithSeed starts a node with default settings and the given seed, so
// several instances of the same executable can run side by side.
func NewWithSeed(ctx context.Context, executable string, seed uint64) (*Runner, error) {
	return New(ctx, Config{
		Executable: executable,
		Seed:       seed,
	})
}

// waitReady blocks until the ready marker is logged, the accounts the
// profile reads from the log are printed and, if the profile has a
// block-number method, one RPC probe succeeds.
func (r *Runner) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	marker := r.profile.Markers.Ready
	markerSeen := false

	for {
		waiting := "ready marker"
		if !markerSeen {
			found, err := r.reader.ContainsText(marker)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrNotReady, err)
			}
			markerSeen = found
		}
		if markerSeen {
			waiting = "prefunded accounts"
			if r.accountsReady() {
				waiting = "RPC probe"
				if r.probe(ctx) {
					return nil
				}
			}
		}

		select {
		case <-r.exited:
			return fmt.Errorf("%w: %v: %s", ErrProcessExited, r.waitErr, r.stderr.String())
		case <-ctx.Done():
			return fmt.Errorf("%w after %s waiting for %s: %w: %s", ErrNotReady, r.cfg.ReadyTimeout, waiting, ctx.Err(), r.stderr.String())
		case <-ticker.C:
		}
	}
}

// accountsReady reports whether the node has logged the accounts the
// profile reads from its log, and records them once it has.
func (r *Runner) accountsReady() bool {
	if r.profile.AccountSource != account.SourceLog || r.accounts != nil {
		return true
	}
	msgs, err := r.reader.Messages()
	if err != nil {
		r.logger.Debug("failed to read log", slog.String("error", err.Error()))
		return false
	}
	found := account.ParsePrefunded(msgs)
	if len(found) < int(r.cfg.Accounts) {
		r.logger.Debug("waiting for prefunded accounts",
			slog.Int("want", int(r.cfg.Accounts)),
			slog.Int("found", len(found)),
		)
		return false
	}
	r.accounts = found
	return true
}

func (r *Runner) probe(ctx context.Context) bool {
	method := r.profile.BlockNumberMethod
	if method == "" {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	n, err := r.client.BlockNumber(probeCtx, method)
	if err != nil {
		r.logger.Debug("readiness probe failed", slog.String("error", err.Error()))
		return false
	}
	r.logger.Debug("readiness probe succeeded", slog.Uint64("block", n))
	return true
}

// Endpoint returns the node's JSON-RPC URL.
func (r *Runner) Endpoint() string {
	return r.endpoint
}

// Port returns the node's RPC port.
func (r *Runner) Port() int {
	return r.port
}

// LogPath returns the node's log file path. It is stable for the runner's lifetime.
func (r *Runner) LogPath() string {
	return r.logPath
}

// Logs returns the telemetry reader bound to the node's log.
// It keeps working after Stop unless logs are removed.
func (r *Runner) Logs() *logs.Reader {
	return r.reader
}

// Client returns an RPC client for the node.
func (r *Runner) Client() rpc.Client {
	return r.client
}

// Profile returns the node profile name.
func (r *Runner) Profile() string {
	return r.profile.Name
}

// Name returns the instance name.
func (r *Runner) Name() string {
	return r.cfg.Name
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Account returns the i-th prefunded account as the node reported it.
func (r *Runner) Account(i int) (*account.Account, error) {
	if i < 0 || i >= len(r.accounts) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoSuchAccount, i, len(r.accounts))
	}
	return r.accounts[i], nil
}

// Accounts returns every prefunded account.
func (r *Runner) Accounts() []*account.Account {
	out := make([]*account.Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// ContractAddress returns the deployed contract address, if any.
func (r *Runner) ContractAddress() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contract, r.contract != ""
}

// Status returns the runner status.
func (r *Runner) Status() types.RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runner) setStatus(s types.RunnerStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Exited is closed when the node process exits.
func (r *Runner) Exited() <-chan struct{} {
	return r.exited
}

// Stop interrupts the node, kills it if it is still alive after a grace
// period and closes the log. It is safe to call more than once.
func (r *Runner) Stop() error {
	r.stopOnce.Do(func() {
		r.stopErr = r.stop()
	})
	return r.stopErr
}

func (r *Runner) stop() error {
	select {
	case <-r.exited:
	default:
		if err := r.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Warn("failed to interrupt node", slog.String("error", err.Error()))
		}
		select {
		case <-r.exited:
		case <-time.After(stopTimeout):
			r.logger.Warn("node did not stop in time, killing")
			r.kill()
		}
	}

	r.setStatus(types.StatusStopped)

	if err := r.logFile.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	if r.cfg.RemoveLogs {
		if err := os.Remove(r.logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove log file: %w", err)
		}
	}
	r.logger.Info("node stopped", slog.String("log", r.logPath))
	return nil
}

// kill terminates the process and waits for the exit watcher.
func (r *Runner) kill() {
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("failed to kill node", slog.String("error", err.Error()))
	}
	<-r.exited
	r.logFile.Close()
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LogPath derives the log file path of an instance:
// <dir>/<profile>-<name>[-<seed>].log with unsafe characters in name replaced.
func LogPath(dir, profile, name string, seed uint64) string {
	base := profile + "-" + unsafeNameChars.ReplaceAllString(name, "_")
	if seed != 0 {
		base += "-" + strconv.FormatUint(seed, 10)
	}
	return filepath.Join(dir, base+".log")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
