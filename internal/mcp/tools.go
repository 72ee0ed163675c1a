package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/noderunner/internal/metrics"
	"github.com/gateway-fm/noderunner/internal/storage"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/types"
)

const (
	defaultSeriesTimeoutSec = 30
	defaultReportLimit      = 10
	maxListedItems          = 20
)

// RegisterTools registers the log and report tools on the MCP server. The
// node_status and node_health tools are added when client is not nil.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerBlocks(s)
	registerBlockSeries(s)
	registerSteps(s)
	registerReports(s)
	if client != nil {
		registerStatus(s, client)
		registerHealth(s, client)
	}
}

func registerBlocks(s *server.MCPServer) {
	tool := gomcp.NewTool("node_blocks",
		gomcp.WithDescription("List the block-mined messages logged so far by a dev node. Does not wait."),
		gomcp.WithString("log_path",
			gomcp.Required(),
			gomcp.Description("Path to the node log file"),
		),
	)
	s.AddTool(tool, handleBlocks)
}

func handleBlocks(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	path, err := req.RequireString("log_path")
	if err != nil {
		return gomcp.NewToolResultError("log_path is required"), nil
	}
	blocks, err := logs.NewReader(path).Blocks()
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Reading blocks failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatBlocks(path, blocks)), nil
}

func registerBlockSeries(s *server.MCPServer) {
	tool := gomcp.NewTool("node_block_series",
		gomcp.WithDescription("Wait until the node mines an empty block, then report transactions per block, block intervals and their distribution."),
		gomcp.WithString("log_path",
			gomcp.Required(),
			gomcp.Description("Path to the node log file"),
		),
		gomcp.WithNumber("timeout_sec",
			gomcp.Description("Maximum seconds to wait for an empty block (default: 30)"),
		),
	)
	s.AddTool(tool, handleBlockSeries)
}

func handleBlockSeries(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	path, err := req.RequireString("log_path")
	if err != nil {
		return gomcp.NewToolResultError("log_path is required"), nil
	}
	timeoutSec := req.GetInt("timeout_sec", defaultSeriesTimeoutSec)
	if timeoutSec <= 0 {
		return gomcp.NewToolResultError("timeout_sec must be positive"), nil
	}

	reader := logs.NewReader(path, logs.WithIdleTimeout(time.Duration(timeoutSec)*time.Second))
	series, err := reader.BlockSeries(ctx)
	if err != nil {
		if errors.Is(err, logs.ErrIdleTimeout) {
			return gomcp.NewToolResultError(fmt.Sprintf("No empty block within %ds. Is the node still producing transactions?", timeoutSec)), nil
		}
		return gomcp.NewToolResultError(fmt.Sprintf("Reading block series failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatSeries(series, metrics.Summarize(series, nil))), nil
}

func registerSteps(s *server.MCPServer) {
	tool := gomcp.NewTool("node_steps",
		gomcp.WithDescription("Report the execution steps of every transaction logged so far, with total and distribution."),
		gomcp.WithString("log_path",
			gomcp.Required(),
			gomcp.Description("Path to the node log file"),
		),
	)
	s.AddTool(tool, handleSteps)
}

func handleSteps(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	path, err := req.RequireString("log_path")
	if err != nil {
		return gomcp.NewToolResultError("log_path is required"), nil
	}
	steps, err := logs.NewReader(path).Steps()
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Reading steps failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatSteps(steps, metrics.Summarize(nil, steps).Steps)), nil
}

func registerReports(s *server.MCPServer) {
	tool := gomcp.NewTool("node_reports",
		gomcp.WithDescription("List stored run reports, newest first, or show one report by ID."),
		gomcp.WithString("db_path",
			gomcp.Required(),
			gomcp.Description("Path to the report SQLite database"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max reports to list (default: 10, max: 100)"),
		),
		gomcp.WithString("id",
			gomcp.Description("Report ID to show in detail"),
		),
	)
	s.AddTool(tool, handleReports)
}

func handleReports(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	dbPath, err := req.RequireString("db_path")
	if err != nil {
		return gomcp.NewToolResultError("db_path is required"), nil
	}
	limit := req.GetInt("limit", defaultReportLimit)
	if limit <= 0 || limit > 100 {
		limit = defaultReportLimit
	}

	if _, err := os.Stat(dbPath); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("No report database: %v", err)), nil
	}
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Opening report store failed: %v", err)), nil
	}
	defer store.Close()

	if id := req.GetString("id", ""); id != "" {
		report, err := store.GetReport(ctx, id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Report %s: %v", id, err)), nil
		}
		return gomcp.NewToolResultText(formatReport(report)), nil
	}

	page, err := store.ListReports(ctx, limit, 0)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("Listing reports failed: %v", err)), nil
	}
	return gomcp.NewToolResultText(formatReports(page)), nil
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("node_status",
		gomcp.WithDescription("Get the status of the node served by a running noderunner: profile, endpoint, accounts and deployed contract."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("noderunner unreachable: %v\n\nIs it running? Try: noderunner run", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("node_health",
		gomcp.WithDescription("Quick readiness check for the node served by a running noderunner."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Node not ready: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func formatBlocks(path string, blocks []string) string {
	lines := joinLines(
		section("Blocks"),
		kv("Log", path),
		kv("Count", formatNumber(len(blocks))),
	)
	if len(blocks) == 0 {
		return lines + "\n\nNo blocks mined yet."
	}
	for i, msg := range blocks {
		if i >= maxListedItems {
			lines += fmt.Sprintf("\n... and %d more", len(blocks)-maxListedItems)
			break
		}
		lines += fmt.Sprintf("\n  [%d] %s", i, msg)
	}
	return lines
}

func formatSeries(series *types.BlockSeries, summary *types.Summary) string {
	lines := joinLines(
		section("Block Series"),
		kv("Blocks", formatNumber(series.Len())),
		kv("Transactions", formatNumber(series.TotalTransactions())),
	) + "\n"
	for i := range series.Sizes {
		if i >= maxListedItems {
			lines += fmt.Sprintf("\n... and %d more", len(series.Sizes)-maxListedItems)
			break
		}
		lines += fmt.Sprintf("\n  [%d] %s txs  +%s", i, formatNumber(uint64(series.Sizes[i])), formatMs(float64(series.Times[i])))
	}
	if summary != nil {
		lines += formatStats("Block Interval", summary.BlockIntervalMs, formatMs)
		lines += formatStats("Transactions per Block", summary.BlockTransactions, func(v float64) string { return formatNumber(v) })
	}
	return lines
}

func formatSteps(steps []uint64, stats *types.SeriesStats) string {
	var total uint64
	for _, n := range steps {
		total += n
	}
	lines := joinLines(
		section("Execution Steps"),
		kv("Transactions", formatNumber(len(steps))),
		kv("Total Steps", formatNumber(total)),
	)
	return lines + formatStats("Steps per Transaction", stats, func(v float64) string { return formatNumber(v) })
}

func formatStats(title string, s *types.SeriesStats, unit func(float64) string) string {
	if s == nil {
		return ""
	}
	return "\n\n" + joinLines(
		section(title),
		kv("Min", unit(s.Min)),
		kv("P50", unit(s.P50)),
		kv("P90", unit(s.P90)),
		kv("P99", unit(s.P99)),
		kv("Max", unit(s.Max)),
		kv("Avg", unit(s.Avg)),
	)
}

func formatReports(page *types.PaginatedReports) string {
	lines := joinLines(
		section("Run Reports"),
		kv("Total Runs", formatNumber(page.Total)),
	) + "\n"
	if len(page.Reports) == 0 {
		return lines + "\nNo reports stored."
	}
	for _, r := range page.Reports {
		lines += fmt.Sprintf("\n### %s\n", r.ID)
		lines += joinLines(
			kv("Name", r.Name),
			kv("Executable", r.Executable),
			kv("Blocks", formatNumber(r.Blocks.Len())),
			kv("Total Steps", formatNumber(r.TotalSteps)),
			kv("Started", r.StartedAt.Format("2006-01-02 15:04:05")),
		)
		lines += "\n"
	}
	return lines
}

func formatReport(r *types.RunReport) string {
	lines := joinLines(
		section("Run Report: "+r.ID),
		kv("Name", r.Name),
		kv("Executable", r.Executable),
		kv("Accounts", r.Accounts),
		kv("Block Production", r.BlockProduction),
		kv("Duration", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond)),
		kv("Blocks", formatNumber(r.Blocks.Len())),
		kv("Transactions", formatNumber(r.Blocks.TotalTransactions())),
		kv("Total Steps", formatNumber(r.TotalSteps)),
	)
	if r.Summary != nil {
		lines += formatStats("Block Interval", r.Summary.BlockIntervalMs, formatMs)
		lines += formatStats("Steps per Transaction", r.Summary.Steps, func(v float64) string { return formatNumber(v) })
	}
	return lines
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Node: "+getStr(m, "profile")),
		kv("Status", getStr(m, "status")),
		kv("Endpoint", getStr(m, "endpoint")),
		kv("Log", getStr(m, "log_path")),
		kv("Contract", getStr(m, "contract_address")),
	)
	if accounts, ok := m["accounts"].([]any); ok {
		lines += "\n\n" + section("Accounts")
		for i, a := range accounts {
			lines += fmt.Sprintf("\n  [%d] %v", i, a)
		}
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}
	return joinLines(
		section("Node Health: "+state),
		kv("Status", getStr(m, "status")),
	)
}
