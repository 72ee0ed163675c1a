package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/nodeprofile"
	"github.com/gateway-fm/noderunner/pkg/types"
)

const readyLine = `{"timestamp":"2024-01-01T00:00:00Z","level":"INFO","fields":{"message":"RPC server started","target":"katana"}}`

func blockLine(txs int, at string) string {
	msg := fmt.Sprintf(`⛏️ Block mined with %d transactions {"timestamp": "%s"}`, txs, at)
	b, _ := json.Marshal(map[string]any{
		"timestamp": at,
		"level":     "INFO",
		"fields":    map[string]string{"message": msg, "target": "katana"},
	})
	return string(b)
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-node.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// fakeRegistry registers a "fake" profile that passes only the port and
// does not probe RPC.
func fakeRegistry() *nodeprofile.Registry {
	r := nodeprofile.NewRegistry()
	r.Register(&nodeprofile.Profile{
		Name: "fake",
		Args: nodeprofile.TemplateArgs(
			[]string{"--port", "{port}", "--accounts", "{accounts}"},
			[]string{"--block-time", "1000"},
		),
		Markers:       logs.DefaultMarkers(),
		AccountSource: account.SourceDevKeys,
	})
	return r
}

func testConfig(t *testing.T, executable string) Config {
	return Config{
		Executable:   executable,
		Name:         t.Name(),
		LogDir:       t.TempDir(),
		Profile:      "fake",
		Profiles:     fakeRegistry(),
		ReadyTimeout: 5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func TestNew_ReadyAndArgs(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := writeScript(t, fmt.Sprintf(`echo "$@" > %s
echo %s
exec sleep 30`, quote(argsFile), quote(readyLine)))

	cfg := testConfig(t, script)
	cfg.Accounts = 3
	cfg.BlockProduction = true
	cfg.ExtraArgs = []string{"--dev"}
	r := startRunner(t, cfg)

	if r.Status() != types.StatusReady {
		t.Errorf("Status() = %s, want ready", r.Status())
	}
	if !strings.HasPrefix(r.Endpoint(), "http://127.0.0.1:") {
		t.Errorf("Endpoint() = %s", r.Endpoint())
	}
	if len(r.Accounts()) != 3 {
		t.Errorf("Accounts() = %d, want 3", len(r.Accounts()))
	}

	got, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	want := fmt.Sprintf("--port %d --accounts 3 --block-time 1000 --dev", r.Port())
	if strings.TrimSpace(string(got)) != want {
		t.Errorf("args = %q, want %q", strings.TrimSpace(string(got)), want)
	}
}

// logRecord wraps msg in a katana JSON log line.
func logRecord(t *testing.T, msg string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"timestamp": "2024-01-01T00:00:00Z",
		"level":     "INFO",
		"fields":    map[string]string{"message": msg, "target": "katana::cli"},
	})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return string(b)
}

const (
	katanaAddr0 = "0x6162896d1d7ab204c7ccac6dd5f8e9e7c25ecd5ae4fcb4ad32e57786bb46e03"
	katanaKey0  = "0x1800000000300000180000000000030000000000003006001800006600"
	katanaAddr1 = "0x17cc6ca902ed4e8baa8463a7009ff18cc294fa85a94b4ce6ac30a9ebd6057c7"
	katanaKey1  = "0x14d6672dcb4b77ca36a887e9a11cd9d637d5012468175829e9c6e770c61642"
)

// logAccountsRegistry registers a "fake" profile that reads its accounts
// from the node log, like katana.
func logAccountsRegistry() *nodeprofile.Registry {
	r := fakeRegistry()
	p := r.Get("fake")
	p.AccountSource = account.SourceLog
	return r
}

func TestNew_AccountsFromLog(t *testing.T) {
	summary := fmt.Sprintf(`{"accounts":[["%s",{"private_key":"%s"}],["%s",{"private_key":"%s"}]],"seed":"0"}`,
		katanaAddr0, katanaKey0, katanaAddr1, katanaKey1)
	table := fmt.Sprintf("| Account address |  %s\n| Private key     |  %s\n\n| Account address |  %s\n| Private key     |  %s\n",
		katanaAddr0, katanaKey0, katanaAddr1, katanaKey1)

	tests := []struct {
		name string
		body string
	}{
		{"json log", fmt.Sprintf("echo %s\necho %s\nexec sleep 30", quote(logRecord(t, summary)), quote(readyLine))},
		{"text table", fmt.Sprintf("printf %s\necho %s\nexec sleep 30", quote(table), quote(readyLine))},
		{"accounts after ready marker", fmt.Sprintf("echo %s\nsleep 0.2\necho %s\nexec sleep 30", quote(readyLine), quote(logRecord(t, summary)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, writeScript(t, tt.body))
			cfg.Profiles = logAccountsRegistry()
			cfg.Accounts = 2
			r := startRunner(t, cfg)

			acc, err := r.Account(0)
			if err != nil {
				t.Fatalf("Account(0) error: %v", err)
			}
			if acc.Address != katanaAddr0 || acc.PrivateKey != katanaKey0 {
				t.Errorf("Account(0) = %+v, want the first logged account", acc)
			}
			if got := r.Accounts(); len(got) != 2 || got[1].Address != katanaAddr1 {
				t.Errorf("Accounts() = %+v", got)
			}
		})
	}
}

func TestNew_AccountsNeverLogged(t *testing.T) {
	summary := fmt.Sprintf(`{"accounts":[["%s",{"private_key":"%s"}]]}`, katanaAddr0, katanaKey0)
	script := writeScript(t, fmt.Sprintf("echo %s\necho %s\nexec sleep 30", quote(logRecord(t, summary)), quote(readyLine)))

	cfg := testConfig(t, script)
	cfg.Profiles = logAccountsRegistry()
	cfg.Accounts = 2
	cfg.ReadyTimeout = 300 * time.Millisecond

	_, err := New(context.Background(), cfg)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if !strings.Contains(err.Error(), "prefunded accounts") {
		t.Errorf("error should name the missing accounts, got %v", err)
	}
}

func TestNew_ProbesRPC(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":0}`))
	}))
	defer srv.Close()

	reg := fakeRegistry()
	p := reg.Get("fake")
	p.BlockNumberMethod = "starknet_blockNumber"

	script := writeScript(t, fmt.Sprintf("echo %s\nexec sleep 30", quote(readyLine)))
	cfg := testConfig(t, script)
	cfg.Profiles = reg
	cfg.Port = srv.Listener.Addr().(*net.TCPAddr).Port
	startRunner(t, cfg)

	if probes.Load() < 3 {
		t.Errorf("expected readiness to wait for a successful probe, got %d probes", probes.Load())
	}
}

func TestNew_ProcessExitsBeforeReady(t *testing.T) {
	script := writeScript(t, "echo 'bad flag --port' >&2\nexit 3")

	_, err := New(context.Background(), testConfig(t, script))
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad flag") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestNew_NotReady(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	cfg := testConfig(t, script)
	cfg.ReadyTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := New(context.Background(), cfg)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("New() took %v, expected the process to be killed promptly", elapsed)
	}
}

func TestNew_SpawnFailure(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestNew_UnknownProfile(t *testing.T) {
	cfg := testConfig(t, "katana")
	cfg.Profile = "nope"
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestStop_IdempotentAndLogReadable(t *testing.T) {
	script := writeScript(t, fmt.Sprintf("echo %s\necho %s\necho %s\nexec sleep 30",
		quote(readyLine),
		quote(blockLine(5, "2024-01-01T00:00:00Z")),
		quote(blockLine(0, "2024-01-01T00:00:02Z")),
	))
	r := startRunner(t, testConfig(t, script))

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if r.Status() != types.StatusStopped {
		t.Errorf("Status() = %s, want stopped", r.Status())
	}
	select {
	case <-r.Exited():
	default:
		t.Error("process should have exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	series, err := r.Logs().BlockSeries(ctx)
	if err != nil {
		t.Fatalf("BlockSeries() after Stop error: %v", err)
	}
	if fmt.Sprint(series.Sizes) != "[5 0]" || fmt.Sprint(series.Times) != "[0 2000]" {
		t.Errorf("series = %v %v", series.Sizes, series.Times)
	}
}

func TestStop_RemoveLogs(t *testing.T) {
	script := writeScript(t, fmt.Sprintf("echo %s\nexec sleep 30", quote(readyLine)))
	cfg := testConfig(t, script)
	cfg.RemoveLogs = true
	r := startRunner(t, cfg)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := os.Stat(r.LogPath()); !os.IsNotExist(err) {
		t.Errorf("expected log removed, stat err = %v", err)
	}
}

func TestAccount(t *testing.T) {
	script := writeScript(t, fmt.Sprintf("echo %s\nexec sleep 30", quote(readyLine)))
	cfg := testConfig(t, script)
	cfg.Accounts = 2
	r := startRunner(t, cfg)

	if _, err := r.Account(1); err != nil {
		t.Errorf("Account(1) error: %v", err)
	}
	for _, i := range []int{-1, 2} {
		if _, err := r.Account(i); !errors.Is(err, ErrNoSuchAccount) {
			t.Errorf("Account(%d) = %v, want ErrNoSuchAccount", i, err)
		}
	}
}

func TestDeploy(t *testing.T) {
	node := writeScript(t, fmt.Sprintf("echo %s\nexec sleep 30", quote(readyLine)))
	r := startRunner(t, testConfig(t, node))

	envFile := filepath.Join(t.TempDir(), "env")
	deploy := writeScript(t, fmt.Sprintf(`echo "$1 $RPC_URL $ACCOUNT_ADDRESS $PRIVATE_KEY" > %s
echo "declared class 0x1234"
echo "deployed at 0xabCDef 🚀"`, quote(envFile)))

	addr, err := r.Deploy(context.Background(), "contracts/Scarb.toml", deploy)
	if err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	if addr != "0xabCDef" {
		t.Errorf("Deploy() = %s, want 0xabCDef", addr)
	}
	if got, ok := r.ContractAddress(); !ok || got != addr {
		t.Errorf("ContractAddress() = %s, %v", got, ok)
	}

	env, err := os.ReadFile(envFile)
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	deployer, _ := r.Account(0)
	want := "contracts/Scarb.toml " + r.Endpoint() + " " + deployer.Address + " " + deployer.PrivateKey
	if strings.TrimSpace(string(env)) != want {
		t.Errorf("script saw %q, want %q", strings.TrimSpace(string(env)), want)
	}
}

func TestDeploy_Failure(t *testing.T) {
	node := writeScript(t, fmt.Sprintf("echo %s\nexec sleep 30", quote(readyLine)))
	r := startRunner(t, testConfig(t, node))

	tests := []struct {
		name string
		body string
	}{
		{"non-zero exit", "echo 'no such manifest' >&2\nexit 1"},
		{"no address printed", "echo done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Deploy(context.Background(), "missing.toml", writeScript(t, tt.body))
			if !errors.Is(err, ErrDeploy) {
				t.Fatalf("expected ErrDeploy, got %v", err)
			}
		})
	}
	if _, ok := r.ContractAddress(); ok {
		t.Error("failed deploys should not record an address")
	}
}

func TestLogPath(t *testing.T) {
	tests := []struct {
		profile, name string
		seed          uint64
		want          string
	}{
		{"katana", "TestFoo", 0, "katana-TestFoo.log"},
		{"katana", "TestFoo/sub case", 7, "katana-TestFoo_sub_case-7.log"},
		{"anvil", "a:b", 1, "anvil-a_b-1.log"},
	}
	for _, tt := range tests {
		if got := LogPath("logs", tt.profile, tt.name, tt.seed); got != filepath.Join("logs", tt.want) {
			t.Errorf("LogPath(%q, %q, %d) = %s, want %s", tt.profile, tt.name, tt.seed, got, tt.want)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Errorf("String() = %q, want defg", got)
	}
}
