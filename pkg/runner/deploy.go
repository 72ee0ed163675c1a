package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var hexToken = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// Deploy runs script with manifest as its only argument and records the
// contract address it prints. The script sees the node endpoint and the
// deployer account (account 0) in RPC_URL, ACCOUNT_ADDRESS and PRIVATE_KEY.
// The address is the last hex token on stdout.
func (r *Runner) Deploy(ctx context.Context, manifest, script string) (string, error) {
	deployer, err := r.Account(0)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDeploy, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, script, manifest)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"RPC_URL="+r.endpoint,
		"ACCOUNT_ADDRESS="+deployer.Address,
		"PRIVATE_KEY="+deployer.PrivateKey,
	)

	r.logger.Info("deploying contract",
		slog.String("manifest", manifest),
		slog.String("script", script),
	)

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s %s: %w: %s", ErrDeploy, script, manifest, err, strings.TrimSpace(stderr.String()))
	}

	address := lastHexToken(stdout.String())
	if address == "" {
		return "", fmt.Errorf("%w: no contract address in script output: %q", ErrDeploy, stdout.String())
	}

	r.mu.Lock()
	r.contract = address
	r.mu.Unlock()

	r.logger.Info("contract deployed", slog.String("address", address))
	return address, nil
}

func lastHexToken(s string) string {
	fields := strings.Fields(s)
	for i := len(fields) - 1; i >= 0; i-- {
		if hexToken.MatchString(fields[i]) {
			return fields[i]
		}
	}
	return ""
}
