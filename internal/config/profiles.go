package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/nodeprofile"
)

// ProfilesFile is the YAML layout of a profiles file:
//
//	profiles:
//	  - name: katana-fast
//	    base: katana
//	    block_args: ["--block-time", "100"]
//	  - name: madara
//	    args: ["--rpc-port", "{port}", "--devnet"]
//	    block_number_method: starknet_blockNumber
//	    markers:
//	      ready: "Running JSON-RPC server"
type ProfilesFile struct {
	Profiles []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig describes one node profile. Unset fields are inherited
// from Base when it names a registered profile.
type ProfileConfig struct {
	Name              string         `yaml:"name"`
	Base              string         `yaml:"base"`
	Args              []string       `yaml:"args"`
	BlockArgs         []string       `yaml:"block_args"`
	BlockNumberMethod *string        `yaml:"block_number_method"`
	AccountSource     account.Source `yaml:"account_source"`
	Markers           logs.Markers   `yaml:"markers"`
}

// LoadProfiles reads a profiles file and registers every profile in reg.
func LoadProfiles(path string, reg *nodeprofile.Registry) error {
	data, err := os.ReadFile(path) // #nosec G304 -- user-provided profiles path is expected
	if err != nil {
		return fmt.Errorf("reading profiles file: %w", err)
	}

	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing profiles file: %w", err)
	}

	for i, pc := range file.Profiles {
		p, err := pc.build(reg)
		if err != nil {
			return fmt.Errorf("profiles[%d] (%s): %w", i, pc.Name, err)
		}
		reg.Register(p)
	}
	return nil
}

func (pc ProfileConfig) build(reg *nodeprofile.Registry) (*nodeprofile.Profile, error) {
	if pc.Name == "" {
		return nil, errors.New("name is required")
	}

	p := &nodeprofile.Profile{Name: pc.Name}
	if pc.Base != "" {
		base := reg.Get(pc.Base)
		if base == nil {
			return nil, fmt.Errorf("unknown base profile: %s", pc.Base)
		}
		*p = *base
		p.Name = pc.Name
	} else if len(pc.Args) == 0 {
		return nil, errors.New("args are required without a base profile")
	}

	switch {
	case len(pc.Args) > 0:
		p.Args = nodeprofile.TemplateArgs(pc.Args, pc.BlockArgs)
	case len(pc.BlockArgs) > 0:
		baseArgs := p.Args
		blockArgs := nodeprofile.TemplateArgs(nil, pc.BlockArgs)
		p.Args = func(spec nodeprofile.ArgSpec) []string {
			withoutBlocks := spec
			withoutBlocks.BlockProduction = false
			var args []string
			if baseArgs != nil {
				args = baseArgs(withoutBlocks)
			}
			return append(args, blockArgs(spec)...)
		}
	}

	if pc.BlockNumberMethod != nil {
		p.BlockNumberMethod = *pc.BlockNumberMethod
	}

	if pc.AccountSource != "" {
		src, err := account.ParseSource(string(pc.AccountSource))
		if err != nil {
			return nil, err
		}
		p.AccountSource = src
	}

	p.Markers = pc.Markers.Merge(p.Markers)
	return p, nil
}
