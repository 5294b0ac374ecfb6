// Package config defines the Tally application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/tally/comms"
)

// Config is the top-level Tally configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth" toml:"auth"`
	Database DatabaseConfig `json:"database" yaml:"database" toml:"database"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify" toml:"notify"`
	DataDir  string         `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string       `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  Duration     `json:"token_ttl" yaml:"token_ttl" toml:"token_ttl"`
	Users     []UserConfig `json:"users" yaml:"users" toml:"users"`
}

// UserConfig is a login account.
type UserConfig struct {
	Username     string   `json:"username" yaml:"username" toml:"username"`
	PasswordHash string   `json:"password_hash" yaml:"password_hash" toml:"password_hash"` // bcrypt
	Roles        []string `json:"roles" yaml:"roles" toml:"roles"`                         // member, approver, admin
}

// DatabaseConfig selects the task store backend.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

// NotifyConfig controls notification dispatch.
type NotifyConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
}

// Duration is a time.Duration written as a string such as "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string. Used by both decoders.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			TokenTTL: Duration{24 * time.Hour},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Notify: NotifyConfig{
			QueueSize: 256,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a config file and returns the parsed configuration. Files
// ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that have no usable default. An empty
// database driver is normalized to sqlite.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "":
		c.Database.Driver = "sqlite"
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Auth.TokenTTL.Duration < 0 {
		return fmt.Errorf("auth.token_ttl cannot be negative")
	}
	seen := map[string]bool{}
	for _, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users: username is required")
		}
		if u.Username == comms.AllRecipients {
			return fmt.Errorf("auth.users: %q is reserved", comms.AllRecipients)
		}
		if seen[u.Username] {
			return fmt.Errorf("auth.users: duplicate user %q", u.Username)
		}
		seen[u.Username] = true
	}
	return nil
}

// DatabaseDSN returns the configured DSN, defaulting to tally.db in the
// data directory for SQLite.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.DataDir, "tally.db")
}

// User returns the account with the given name.
func (c *Config) User(name string) (UserConfig, bool) {
	for _, u := range c.Auth.Users {
		if u.Username == name {
			return u, true
		}
	}
	return UserConfig{}, false
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
