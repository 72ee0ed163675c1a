// Package logtest writes node log files for tests.
package logtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/noderunner/pkg/types"
)

// T0 is the time of the first block written by helpers that need one.
var T0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Record encodes msg as a structured log line.
func Record(t testing.TB, msg string) string {
	t.Helper()
	data, err := json.Marshal(types.LogRecord{
		Timestamp: T0.Format(time.RFC3339Nano),
		Level:     "INFO",
		Fields:    types.LogFields{Message: msg, Target: "katana::core"},
	})
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return string(data)
}

// Block encodes a block-mined line with txs transactions at time at.
func Block(t testing.TB, txs int, at time.Time) string {
	t.Helper()
	return Record(t, fmt.Sprintf(`⛏️ Block mined with %d transactions {"timestamp": "%s"}`, txs, at.Format(time.RFC3339Nano)))
}

// Steps encodes a transaction resource usage line.
func Steps(t testing.TB, steps uint64) string {
	t.Helper()
	return Record(t, fmt.Sprintf("Transaction resource usage: Steps: %d | ERC20: 0 | Pedersen: 3", steps))
}

// Write creates a log file in a temp dir holding lines and returns its path.
func Write(t testing.TB, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.log")
	if err := os.WriteFile(path, []byte(join(lines)), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

// Append appends lines to the log at path.
func Append(t testing.TB, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Errorf("open log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(join(lines)); err != nil {
		t.Errorf("append log: %v", err)
	}
}

func join(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
