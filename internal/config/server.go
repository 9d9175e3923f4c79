package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

// Storage backends for the server.
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// ServerConfig holds all environment-based configuration for
// dash-sync-server.
type ServerConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	Backend     string `env:"DASH_SYNC_BACKEND" envDefault:"bolt"`
	BoltPath    string `env:"DASH_SYNC_BOLT_PATH" envDefault:"dash-sync-records.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Comma-separated user:bcrypt-hash pairs. Generate hashes with
	// `dash-sync-server hash-key`.
	APIKeys string `env:"DASH_SYNC_API_KEYS"`

	MaxBodyBytes    int64         `env:"DASH_SYNC_MAX_BODY_BYTES" envDefault:"8388608"`
	PingInterval    time.Duration `env:"DASH_SYNC_PING_INTERVAL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	switch c.Backend {
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("DASH_SYNC_BOLT_PATH is required for the bolt backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("DASH_SYNC_BACKEND must be %q or %q, got %q", BackendBolt, BackendPostgres, c.Backend)
	}

	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("DASH_SYNC_MAX_BODY_BYTES must be positive")
	}

	if c.PingInterval <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("DASH_SYNC_PING_INTERVAL and SHUTDOWN_TIMEOUT must be positive")
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ParseAPIKeys parses the DASH_SYNC_API_KEYS string.
// Format: "user1:$2a$10$...,user2:$2a$10$..."
// A user may have more than one key.
func (c *ServerConfig) ParseAPIKeys() ([]auth.KeyEntry, error) {
	var entries []auth.KeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(entries)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("entry %d for %q is not a bcrypt hash: %w", len(entries)+1, userID, err)
		}

		entries = append(entries, auth.KeyEntry{UserID: userID, Hash: hash})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("DASH_SYNC_API_KEYS must list at least one user:hash pair")
	}

	return entries, nil
}
