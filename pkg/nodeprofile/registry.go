package nodeprofile

import (
	"sort"
	"sync"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

// Default profile names.
const (
	Katana = "katana"
	Anvil  = "anvil"
)

// Registry holds registered node profiles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or replaces a profile. Zero markers fall back to the defaults.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	p.Markers = p.Markers.Merge(logs.DefaultMarkers())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KatanaProfile())
	r.Register(AnvilProfile())
	return r
}

// KatanaProfile returns the profile for the katana Starknet dev node.
// Block production on means a block every second; otherwise blocks are
// mined per transaction.
func KatanaProfile() *Profile {
	return &Profile{
		Name: Katana,
		Args: TemplateArgs(
			[]string{"--port", "{port}", "--accounts", "{accounts}", "--seed", "{seed}", "--json-log"},
			[]string{"--block-time", "1000"},
		),
		Markers:           logs.DefaultMarkers(),
		BlockNumberMethod: "starknet_blockNumber",
		AccountSource:     account.SourceLog,
	}
}

// AnvilProfile returns the profile for the anvil EVM dev node.
func AnvilProfile() *Profile {
	markers := logs.DefaultMarkers()
	markers.Ready = "Listening on"
	return &Profile{
		Name: Anvil,
		Args: TemplateArgs(
			[]string{"--port", "{port}", "--accounts", "{accounts}"},
			[]string{"--block-time", "1"},
		),
		Markers:           markers,
		BlockNumberMethod: "eth_blockNumber",
		AccountSource:     account.SourceDevKeys,
	}
}
