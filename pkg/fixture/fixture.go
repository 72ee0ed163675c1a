package fixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gateway-fm/noderunner/pkg/runner"
)

// ErrContractNotFound is returned by Shared when the contract manifest is
// found neither in the working directory nor in its parent.
var ErrContractNotFound = errors.New("contract not found")

// Fixture is a ready node handed to a test body.
type Fixture struct {
	Spec   Spec
	Runner *runner.Runner

	// ContractAddress is the deployed contract, empty when deployment is disabled.
	ContractAddress string
}

// Builder constructs fixtures on top of a base runner configuration.
// The zero value is not usable; use NewBuilder.
type Builder struct {
	base      runner.Config
	newRunner func(context.Context, runner.Config) (*runner.Runner, error)

	mu     sync.Mutex
	shared map[string]*sharedCell
}

type sharedCell struct {
	once    sync.Once
	fixture *Fixture
	err     error
}

// NewBuilder returns a builder whose runners start from base. Spec fields
// override the executable, account count and block production of base.
func NewBuilder(base runner.Config) *Builder {
	return &Builder{
		base:      base,
		newRunner: runner.New,
		shared:    make(map[string]*sharedCell),
	}
}

var defaultBuilder = NewBuilder(runner.Config{})

// Run starts a fixture for spec, named after the test, and calls body with
// it. The node is stopped when the test ends. Setup failures fail the test.
func Run(t testing.TB, spec string, body func(testing.TB, *Fixture)) {
	t.Helper()
	defaultBuilder.Run(t, spec, body)
}

// Setup is Run without the callback.
func Setup(t testing.TB, spec string) *Fixture {
	t.Helper()
	return defaultBuilder.Setup(t, spec)
}

// Shared returns the process-wide fixture registered under name, building it
// on first use. See Builder.Shared.
func Shared(name, spec string) (*Fixture, error) {
	return defaultBuilder.Shared(name, spec)
}

// StopShared stops every fixture built by Shared. Call it from TestMain.
func StopShared() error {
	return defaultBuilder.StopShared()
}

// Run starts a fixture for spec and calls body with it.
func (b *Builder) Run(t testing.TB, spec string, body func(testing.TB, *Fixture)) {
	t.Helper()
	body(t, b.Setup(t, spec))
}

// Setup starts a fixture for spec and registers its teardown with t.
func (b *Builder) Setup(t testing.TB, spec string) *Fixture {
	t.Helper()

	s, err := ParseSpec(spec)
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}

	f, err := b.build(t.Context(), t.Name(), s, s.Manifest, s.DeployScript)
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Runner.Stop(); err != nil {
			t.Errorf("fixture: stopping node: %v", err)
		}
	})
	return f
}

// Shared returns the fixture registered under name, building it on first
// use. Concurrent first callers block on the same construction and all get
// the same fixture or error. The contract manifest is looked up relative to
// the working directory, then its parent.
func (b *Builder) Shared(name, spec string) (*Fixture, error) {
	b.mu.Lock()
	cell, ok := b.shared[name]
	if !ok {
		cell = &sharedCell{}
		b.shared[name] = cell
	}
	b.mu.Unlock()

	cell.once.Do(func() {
		cell.fixture, cell.err = b.buildShared(name, spec)
	})
	return cell.fixture, cell.err
}

func (b *Builder) buildShared(name, spec string) (*Fixture, error) {
	s, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	manifest, script := s.Manifest, s.DeployScript
	if manifest != "" {
		manifest, script, err = locateContract(manifest, script)
		if err != nil {
			return nil, err
		}
	}
	return b.build(context.Background(), name, s, manifest, script)
}

// StopShared stops every shared fixture and forgets it.
func (b *Builder) StopShared() error {
	b.mu.Lock()
	cells := b.shared
	b.shared = make(map[string]*sharedCell)
	b.mu.Unlock()

	var errs []error
	for name, cell := range cells {
		// Waits for a construction in progress.
		cell.once.Do(func() {})
		if cell.fixture == nil {
			continue
		}
		if err := cell.fixture.Runner.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) build(ctx context.Context, name string, s Spec, manifest, script string) (*Fixture, error) {
	cfg := b.base
	cfg.Name = name
	cfg.Executable = s.Executable
	cfg.Accounts = s.RunnerAccounts()
	cfg.BlockProduction = s.BlockProduction

	r, err := b.newRunner(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f := &Fixture{Spec: s, Runner: r}
	if manifest == "" {
		return f, nil
	}

	addr, err := r.Deploy(ctx, manifest, script)
	if err != nil {
		_ = r.Stop()
		return nil, err
	}
	f.ContractAddress = addr
	return f, nil
}

// locateContract returns manifest and script as they resolve from the
// working directory, or from its parent when the manifest is not found.
func locateContract(manifest, script string) (string, string, error) {
	if fileExists(manifest) {
		return manifest, script, nil
	}
	if !filepath.IsAbs(manifest) {
		parentManifest := filepath.Join("..", manifest)
		if fileExists(parentManifest) {
			if !filepath.IsAbs(script) {
				script = filepath.Join("..", script)
			}
			return parentManifest, script, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrContractNotFound, manifest)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
