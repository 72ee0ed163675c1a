// Package nodeprofile provides node profile definitions and a registry.
// A profile captures how one kind of dev node is launched and how its log
// is read, so the runner adapts to katana, anvil, etc. without scattered
// conditionals.
package nodeprofile

import (
	"strconv"
	"strings"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

// ArgSpec carries the per-instance values a profile turns into arguments.
type ArgSpec struct {
	Port            int
	Accounts        uint16
	Seed            uint64
	BlockProduction bool
}

// Profile defines how a node kind is launched and observed.
type Profile struct {
	// Name is the canonical identifier (e.g., "katana", "anvil").
	Name string

	// Args builds the command line for one instance.
	Args func(ArgSpec) []string

	// Markers are the log substrings used for block, step and readiness matching.
	Markers logs.Markers

	// BlockNumberMethod is the RPC method probed once the ready marker
	// appears. Empty disables the probe.
	BlockNumberMethod string

	// AccountSource selects where account handles come from. Empty means
	// no accounts.
	AccountSource account.Source
}

// String returns the canonical name of the profile.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}

// BuildArgs returns the command line for spec, or nil if the profile has no
// argument builder.
func (p *Profile) BuildArgs(spec ArgSpec) []string {
	if p == nil || p.Args == nil {
		return nil
	}
	return p.Args(spec)
}

// TemplateArgs returns an argument builder that expands {port}, {accounts}
// and {seed} in args, appending blockArgs when block production is on.
func TemplateArgs(args, blockArgs []string) func(ArgSpec) []string {
	return func(spec ArgSpec) []string {
		r := strings.NewReplacer(
			"{port}", strconv.Itoa(spec.Port),
			"{accounts}", strconv.FormatUint(uint64(spec.Accounts), 10),
			"{seed}", strconv.FormatUint(spec.Seed, 10),
		)
		out := make([]string, 0, len(args)+len(blockArgs))
		for _, a := range args {
			out = append(out, r.Replace(a))
		}
		if spec.BlockProduction {
			for _, a := range blockArgs {
				out = append(out, r.Replace(a))
			}
		}
		return out
	}
}
