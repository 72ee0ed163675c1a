// noderunner MCP server.
// Exposes node log, report and status tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/noderunner/internal/cli/commands"
	mcptools "github.com/gateway-fm/noderunner/internal/mcp"
)

func main() {
	s := server.NewMCPServer(
		"noderunner",
		commands.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	// Status tools need a running `noderunner run`; the log and report
	// tools work on files alone.
	var client *mcptools.Client
	if url := os.Getenv("NODERUNNER_URL"); url != "" {
		client = mcptools.NewClient(url)
	}
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
