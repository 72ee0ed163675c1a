// Package fixture builds node runners for tests from a compact textual
// configuration.
//
// A configuration is a comma-separated list of positional fields:
//
//	accounts, block production, executable, contract manifest, deploy script
//
// Missing or empty fields take their default, so "" and "1,false" are both
// valid. A quoted empty manifest ("") disables contract deployment.
package fixture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Defaults for omitted configuration fields.
const (
	DefaultAccounts     = 1
	DefaultExecutable   = "katana"
	DefaultManifest     = "contracts/Scarb.toml"
	DefaultDeployScript = "contracts/scripts/auth.sh"
)

// ErrInvalidSpec is returned for a malformed fixture configuration.
var ErrInvalidSpec = errors.New("invalid fixture spec")

// Spec is a parsed fixture configuration.
type Spec struct {
	// Accounts is the number of accounts the test asked for.
	Accounts uint16

	// BlockProduction enables interval mining.
	BlockProduction bool

	// Executable is the node binary.
	Executable string

	// Manifest is the contract manifest passed to the deploy script.
	// Empty disables deployment.
	Manifest string

	// DeployScript deploys Manifest against the node.
	DeployScript string
}

// DefaultSpec returns the configuration of an empty spec string.
func DefaultSpec() Spec {
	return Spec{
		Accounts:     DefaultAccounts,
		Executable:   DefaultExecutable,
		Manifest:     DefaultManifest,
		DeployScript: DefaultDeployScript,
	}
}

// RunnerAccounts returns the account count the node is started with: the
// requested accounts plus the deployer.
func (s Spec) RunnerAccounts() uint16 {
	return s.Accounts + 1
}

// String formats s so that ParseSpec(s.String()) == s.
func (s Spec) String() string {
	return fmt.Sprintf("%d,%t,%s,%s,%s", s.Accounts, s.BlockProduction,
		field(s.Executable), field(s.Manifest), field(s.DeployScript))
}

// field formats a string field. An empty value is written as "" because an
// empty field selects the default.
func field(v string) string {
	if v == "" {
		return `""`
	}
	return v
}

// ParseSpec parses a fixture configuration. Fields are trimmed and quotes
// around string fields are stripped.
func ParseSpec(s string) (Spec, error) {
	spec := DefaultSpec()
	if strings.TrimSpace(s) == "" {
		return spec, nil
	}

	fields := strings.Split(s, ",")
	if len(fields) > 5 {
		return Spec{}, fmt.Errorf("%w: %d fields, at most 5 allowed", ErrInvalidSpec, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if v := fields[0]; v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		// One more account is added for the deployer.
		if err != nil || n == 1<<16-1 {
			return Spec{}, fmt.Errorf("%w: account count %q", ErrInvalidSpec, v)
		}
		spec.Accounts = uint16(n)
	}
	if len(fields) > 1 && fields[1] != "" {
		b, err := strconv.ParseBool(fields[1])
		if err != nil {
			return Spec{}, fmt.Errorf("%w: block production %q", ErrInvalidSpec, fields[1])
		}
		spec.BlockProduction = b
	}
	if len(fields) > 2 && fields[2] != "" {
		spec.Executable = unquote(fields[2])
	}
	if len(fields) > 3 && fields[3] != "" {
		spec.Manifest = unquote(fields[3])
	}
	if len(fields) > 4 && fields[4] != "" {
		spec.DeployScript = unquote(fields[4])
	}
	return spec, nil
}

func unquote(s string) string {
	return strings.TrimSpace(strings.Trim(s, `"'`))
}
