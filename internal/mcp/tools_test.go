package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/noderunner/internal/logtest"
	"github.com/gateway-fm/noderunner/internal/storage"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

func callRequest(args map[string]any) gomcp.CallToolRequest {
	var req gomcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *gomcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(gomcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func testLog(t *testing.T) string {
	t0 := logtest.T0
	return logtest.Write(t,
		logtest.Steps(t, 1234),
		logtest.Block(t, 1, t0),
		logtest.Steps(t, 4000),
		logtest.Block(t, 0, t0.Add(1500*time.Millisecond)),
	)
}

func TestHandleBlocks(t *testing.T) {
	res, err := handleBlocks(context.Background(), callRequest(map[string]any{"log_path": testLog(t)}))
	if err != nil {
		t.Fatalf("handleBlocks() error: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.Contains(text, "Count:               2") || !strings.Contains(text, "[1] ⛏️ Block mined with 0 transactions") {
		t.Errorf("unexpected output:\n%s", text)
	}
}

func TestHandleBlocks_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing log_path", map[string]any{}},
		{"absent file", map[string]any{"log_path": filepath.Join(t.TempDir(), "absent.log")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := handleBlocks(context.Background(), callRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !res.IsError {
				t.Errorf("expected tool error, got %s", resultText(t, res))
			}
		})
	}
}

func TestHandleBlockSeries(t *testing.T) {
	res, err := handleBlockSeries(context.Background(), callRequest(map[string]any{"log_path": testLog(t), "timeout_sec": 2}))
	if err != nil {
		t.Fatalf("handleBlockSeries() error: %v", err)
	}
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("tool error: %s", text)
	}
	for _, want := range []string{"Blocks:              2", "+1500.0ms", "## Block Interval"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestHandleBlockSeries_Timeout(t *testing.T) {
	path := logtest.Write(t, logtest.Block(t, 5, logtest.T0))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := handleBlockSeries(ctx, callRequest(map[string]any{"log_path": path, "timeout_sec": 1}))
	if err != nil {
		t.Fatalf("handleBlockSeries() error: %v", err)
	}
	if !res.IsError {
		t.Errorf("expected tool error, got %s", resultText(t, res))
	}
}

func TestHandleSteps(t *testing.T) {
	res, err := handleSteps(context.Background(), callRequest(map[string]any{"log_path": testLog(t)}))
	if err != nil {
		t.Fatalf("handleSteps() error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "Total Steps:         5,234") || !strings.Contains(text, "Transactions:        2") {
		t.Errorf("unexpected output:\n%s", text)
	}
}

func TestHandleReports(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reports.db")
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error: %v", err)
	}
	report, err := storage.BuildReport(context.Background(), logs.NewReader(testLog(t)), storage.ReportMeta{Name: "TestHeavy", Executable: "katana"})
	if err != nil {
		t.Fatalf("BuildReport() error: %v", err)
	}
	if err := store.SaveReport(context.Background(), report); err != nil {
		t.Fatalf("SaveReport() error: %v", err)
	}
	store.Close()

	res, err := handleReports(context.Background(), callRequest(map[string]any{"db_path": dbPath}))
	if err != nil {
		t.Fatalf("handleReports() error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "### "+report.ID) || !strings.Contains(text, "TestHeavy") {
		t.Errorf("list output:\n%s", text)
	}

	res, err = handleReports(context.Background(), callRequest(map[string]any{"db_path": dbPath, "id": report.ID}))
	if err != nil {
		t.Fatalf("handleReports() error: %v", err)
	}
	text = resultText(t, res)
	if !strings.Contains(text, "Run Report: "+report.ID) || !strings.Contains(text, "Total Steps:         5,234") {
		t.Errorf("detail output:\n%s", text)
	}

	res, _ = handleReports(context.Background(), callRequest(map[string]any{"db_path": dbPath, "id": "missing"}))
	if !res.IsError {
		t.Error("expected tool error for unknown report")
	}
}

func TestHandleReports_NoDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "absent.db")
	res, err := handleReports(context.Background(), callRequest(map[string]any{"db_path": dbPath}))
	if err != nil {
		t.Fatalf("handleReports() error: %v", err)
	}
	if !res.IsError {
		t.Errorf("expected tool error, got %s", resultText(t, res))
	}
}

func TestRegisterTools(t *testing.T) {
	tests := []struct {
		name   string
		client *Client
		want   int
	}{
		{"files only", nil, 4},
		{"with API client", NewClient("http://127.0.0.1:1"), 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
			RegisterTools(s, tt.client)
			if got := len(s.ListTools()); got != tt.want {
				t.Errorf("registered %d tools, want %d", got, tt.want)
			}
		})
	}
}

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			w.Write([]byte(`{"profile":"katana","status":"ready","endpoint":"http://127.0.0.1:5050","accounts":["0xabc"]}`))
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	raw, err := client.Get(context.Background(), "/v1/status")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	text := formatStatus(raw)
	if !strings.Contains(text, "## Node: katana") || !strings.Contains(text, "[0] 0xabc") {
		t.Errorf("formatStatus output:\n%s", text)
	}

	if _, err := client.Get(context.Background(), "/missing"); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("expected HTTP 404 error, got %v", err)
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{uint64(1234567), "1,234,567"},
		{float64(2.5), "2.5"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
