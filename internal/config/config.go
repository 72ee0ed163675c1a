// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gateway-fm/noderunner/pkg/nodeprofile"
)

// Config holds noderunner configuration.
type Config struct {
	Executable         string
	Profile            string // Node profile: "katana", "anvil" or one loaded from ProfilesPath
	ProfilesPath       string // Optional YAML file with extra profiles
	Accounts           uint16
	BlockProduction    bool
	Seed               uint64
	Port               int // 0 = free port
	LogDir             string
	ListenAddr         string
	DatabasePath       string // Path to SQLite database file, empty disables reports
	PollInterval       time.Duration
	IdleTimeout        time.Duration // 0 = wait until the request is cancelled
	ReadyTimeout       time.Duration
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all
}

// Defaults
const (
	DefaultExecutable         = "katana"
	DefaultProfile            = nodeprofile.Katana
	DefaultAccounts           = 2 // One test account plus the deployer
	DefaultLogDir             = "logs"
	DefaultListenAddr         = ":3002"
	DefaultDatabasePath       = ""
	DefaultPollInterval       = time.Second
	DefaultIdleTimeout        = 0
	DefaultReadyTimeout       = 30 * time.Second
	DefaultCORSAllowedOrigins = "*"
	MaxAccounts               = 1000
)

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Executable:         DefaultExecutable,
		Profile:            DefaultProfile,
		Accounts:           DefaultAccounts,
		LogDir:             DefaultLogDir,
		ListenAddr:         DefaultListenAddr,
		DatabasePath:       DefaultDatabasePath,
		PollInterval:       DefaultPollInterval,
		IdleTimeout:        DefaultIdleTimeout,
		ReadyTimeout:       DefaultReadyTimeout,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
	}
}

// Load returns the defaults overridden by NODERUNNER_* environment
// variables. Command-line flags are applied on top by the caller.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("NODERUNNER_EXECUTABLE"); v != "" {
		c.Executable = v
	}
	if v := getenv("NODERUNNER_PROFILE"); v != "" {
		c.Profile = v
	}
	if v := getenv("NODERUNNER_PROFILES"); v != "" {
		c.ProfilesPath = v
	}
	if v := getenv("NODERUNNER_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := getenv("NODERUNNER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("NODERUNNER_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("NODERUNNER_CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := getenv("NODERUNNER_ACCOUNTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("NODERUNNER_ACCOUNTS: %w", err)
		}
		c.Accounts = uint16(n)
	}
	if v := getenv("NODERUNNER_BLOCK_PRODUCTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NODERUNNER_BLOCK_PRODUCTION: %w", err)
		}
		c.BlockProduction = b
	}
	if v := getenv("NODERUNNER_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NODERUNNER_SEED: %w", err)
		}
		c.Seed = n
	}
	for name, dst := range map[string]*time.Duration{
		"NODERUNNER_POLL_INTERVAL": &c.PollInterval,
		"NODERUNNER_IDLE_TIMEOUT":  &c.IdleTimeout,
		"NODERUNNER_READY_TIMEOUT": &c.ReadyTimeout,
	} {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if c.Profile == "" {
		return fmt.Errorf("profile is required")
	}
	if c.Accounts == 0 || c.Accounts > MaxAccounts {
		return fmt.Errorf("accounts must be between 1 and %d", MaxAccounts)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.LogDir == "" {
		return fmt.Errorf("log dir is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive")
	}
	return nil
}

// Registry returns the built-in profiles plus those in ProfilesPath, and
// checks that Profile is among them.
func (c *Config) Registry() (*nodeprofile.Registry, error) {
	reg := nodeprofile.DefaultRegistry()
	if c.ProfilesPath != "" {
		if err := LoadProfiles(c.ProfilesPath, reg); err != nil {
			return nil, err
		}
	}
	if reg.Get(c.Profile) == nil {
		return nil, fmt.Errorf("unknown profile: %s (available: %v)", c.Profile, reg.Names())
	}
	return reg, nil
}
