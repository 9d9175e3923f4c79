package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the dash-sync
// daemon.
type Config struct {
	// Base URL of the dash-sync server holding the remote records.
	ServerURL string `env:"DASH_SYNC_SERVER_URL"`

	// Per-request timeout for REST calls to the server.
	RequestTimeout time.Duration `env:"DASH_SYNC_REQUEST_TIMEOUT" envDefault:"15s"`

	// Local files. Empty means the default under ~/.dash-sync/.
	StatePath   string `env:"DASH_SYNC_STATE_PATH"`
	SessionPath string `env:"DASH_SYNC_SESSION_PATH"`

	// Sync schedule.
	Debounce     time.Duration `env:"DASH_SYNC_DEBOUNCE" envDefault:"180ms"`
	PollInterval time.Duration `env:"DASH_SYNC_POLL_INTERVAL" envDefault:"60s"`
	FlushTimeout time.Duration `env:"DASH_SYNC_FLUSH_TIMEOUT" envDefault:"3s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Local control surface. The API key is required when it is enabled.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"true"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

// loadEnv reads a .env file if present and parses env vars into cfg.
func loadEnv(cfg any) error {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return nil
}

// Load reads daemon configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var err error

	if cfg.StatePath, err = resolvePath(cfg.StatePath, "state.db"); err != nil {
		return nil, err
	}

	if cfg.SessionPath, err = resolvePath(cfg.SessionPath, "session.yaml"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("DASH_SYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DASH_SYNC_SERVER_URL must be an http or https URL")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("DASH_SYNC_REQUEST_TIMEOUT must be positive")
	}

	if c.Debounce <= 0 || c.PollInterval <= 0 || c.FlushTimeout <= 0 {
		return fmt.Errorf("DASH_SYNC_DEBOUNCE, DASH_SYNC_POLL_INTERVAL and DASH_SYNC_FLUSH_TIMEOUT must be positive")
	}

	if c.EnableMCP {
		if c.MCPAPIKey == "" {
			return fmt.Errorf("MCP_API_KEY is required when MCP is enabled")
		}

		if err := auth.CheckAPIKeyFormat(c.MCPAPIKey); err != nil {
			return fmt.Errorf("MCP_API_KEY: %w", err)
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultDir returns ~/.dash-sync, where the daemon keeps its files.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".dash-sync"), nil
}

// resolvePath returns path made absolute, or name inside DefaultDir when
// path is empty.
func resolvePath(path, name string) (string, error) {
	if path == "" {
		dir, err := DefaultDir()
		if err != nil {
			return "", err
		}

		return filepath.Join(dir, name), nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s to absolute path: %w", path, err)
	}

	return abs, nil
}
