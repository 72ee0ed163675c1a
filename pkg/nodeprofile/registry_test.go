package nodeprofile

import (
	"reflect"
	"sync"
	"testing"

	"github.com/gateway-fm/noderunner/pkg/account"
	"github.com/gateway-fm/noderunner/pkg/logs"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name       string
		wantMethod string
		wantSource account.Source
		wantReady  string
	}{
		{Katana, "starknet_blockNumber", account.SourceLog, logs.DefaultReadyMarker},
		{Anvil, "eth_blockNumber", account.SourceDevKeys, "Listening on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Get(tt.name)
			if p == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if p.BlockNumberMethod != tt.wantMethod {
				t.Errorf("BlockNumberMethod = %s, want %s", p.BlockNumberMethod, tt.wantMethod)
			}
			if p.AccountSource != tt.wantSource {
				t.Errorf("AccountSource = %s, want %s", p.AccountSource, tt.wantSource)
			}
			if p.Markers.Ready != tt.wantReady {
				t.Errorf("Markers.Ready = %q, want %q", p.Markers.Ready, tt.wantReady)
			}
		})
	}

	if got, want := r.Names(), []string{Anvil, Katana}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if p := r.Get("unknown-node"); p != nil {
		t.Errorf("expected nil for unknown node, got %+v", p)
	}
	var p *Profile
	if p.String() != "unknown" {
		t.Errorf("nil profile String() = %q", p.String())
	}
}

func TestRegistryRegisterFillsMarkers(t *testing.T) {
	r := NewRegistry()
	r.Register(&Profile{Name: "custom", Markers: logs.Markers{Ready: "up"}})

	p := r.Get("custom")
	if p == nil {
		t.Fatal("expected custom to be registered")
	}
	if p.Markers.Ready != "up" {
		t.Errorf("Ready = %q, want override kept", p.Markers.Ready)
	}
	if p.Markers.Block != logs.DefaultBlockMarker {
		t.Errorf("Block = %q, want default", p.Markers.Block)
	}
	if args := p.BuildArgs(ArgSpec{}); args != nil {
		t.Errorf("BuildArgs without builder = %v, want nil", args)
	}
}

func TestKatanaArgs(t *testing.T) {
	p := KatanaProfile()

	tests := []struct {
		name string
		spec ArgSpec
		want []string
	}{
		{
			name: "on demand",
			spec: ArgSpec{Port: 5050, Accounts: 2, Seed: 7},
			want: []string{"--port", "5050", "--accounts", "2", "--seed", "7", "--json-log"},
		},
		{
			name: "block production",
			spec: ArgSpec{Port: 6000, Accounts: 3, Seed: 0, BlockProduction: true},
			want: []string{"--port", "6000", "--accounts", "3", "--seed", "0", "--json-log", "--block-time", "1000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.BuildArgs(tt.spec); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnvilArgs(t *testing.T) {
	got := AnvilProfile().BuildArgs(ArgSpec{Port: 8545, Accounts: 4, BlockProduction: true})
	want := []string{"--port", "8545", "--accounts", "4", "--block-time", "1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs() = %v, want %v", got, want)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := DefaultRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(KatanaProfile())
		}()
		go func() {
			defer wg.Done()
			_ = r.Get(Katana)
			_ = r.Names()
		}()
	}
	wg.Wait()
}
