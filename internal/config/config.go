package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for blobsync.
type Config struct {
	// Pubkey is the hex public key whose blobs are reconciled.
	Pubkey string `env:"BLOBSYNC_PUBKEY"`

	// Servers is the comma-separated list of blob server base URLs,
	// in failover priority order. At least one is required.
	Servers []string `env:"BLOBSYNC_SERVERS" envSeparator:","`

	// VaultDir is the directory holding the permanent on-device copy of
	// every known blob. Defaults to ~/.blobsync/vault/ when empty.
	VaultDir string `env:"BLOBSYNC_VAULT_DIR"`

	// StatePath is the bbolt database path. Defaults to
	// ~/.blobsync/state.db when empty.
	StatePath string `env:"BLOBSYNC_STATE_PATH"`

	// RefreshInterval is how often a full registry refresh runs. The
	// model is pull-only; there is no push channel to shorten this.
	RefreshInterval time.Duration `env:"BLOBSYNC_REFRESH_INTERVAL" envDefault:"5m"`

	// EnableLocalCache controls probing for a local network cache
	// server on startup.
	EnableLocalCache bool `env:"BLOBSYNC_LOCAL_CACHE" envDefault:"true"`

	// SignerURL is the base URL of the external signer capability.
	// Required: every server operation carries a signed event.
	SignerURL string `env:"BLOBSYNC_SIGNER_URL"`

	// SignerIdentity names the external signer identity to request
	// signatures under. Required.
	SignerIdentity string `env:"BLOBSYNC_SIGNER_IDENTITY"`

	// RelayURL is the base URL of the relay gateway capability.
	// Optional; without it metadata events are neither published nor
	// discovered.
	RelayURL string `env:"BLOBSYNC_RELAY_URL"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing signer configuration to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.normalizeServers()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.VaultDir == "" {
		dir, err := DefaultVaultDir()
		if err != nil {
			return nil, err
		}

		cfg.VaultDir = dir
	}

	// Resolve VaultDir to an absolute path at startup so the watcher and
	// the stored root stay valid if the working directory changes later.
	absDir, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault dir to absolute path: %w", err)
	}

	cfg.VaultDir = absDir

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

// normalizeServers trims whitespace, drops empty entries, and strips
// trailing slashes so server URLs compare equal regardless of how they
// were written in the environment.
func (c *Config) normalizeServers() {
	out := c.Servers[:0]

	for _, s := range c.Servers {
		s = strings.TrimRight(strings.TrimSpace(s), "/")
		if s == "" {
			continue
		}

		out = append(out, s)
	}

	c.Servers = out
}

func (c *Config) validate() error {
	if c.Pubkey == "" {
		return fmt.Errorf("BLOBSYNC_PUBKEY is required")
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("BLOBSYNC_SERVERS must list at least one server")
	}

	for _, s := range c.Servers {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid server URL %q in BLOBSYNC_SERVERS", s)
		}
	}

	if c.SignerURL == "" {
		return fmt.Errorf("BLOBSYNC_SIGNER_URL is required")
	}

	if c.SignerIdentity == "" {
		return fmt.Errorf("BLOBSYNC_SIGNER_IDENTITY is required")
	}

	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("BLOBSYNC_REFRESH_INTERVAL must be at least 1m (got %s)", c.RefreshInterval)
	}

	return nil
}

// DefaultVaultDir returns the default vault directory: ~/.blobsync/vault/
func DefaultVaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".blobsync", "vault"), nil
}

// DefaultStatePath returns the default state database path:
// ~/.blobsync/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".blobsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
