// noderunner starts local development nodes and reports their block
// telemetry.
package main

import (
	"os"

	"github.com/gateway-fm/noderunner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
