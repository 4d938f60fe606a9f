// Package config loads the sync client's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickgao/socialsync/internal/auth"
)

// Config is the top-level configuration for a sync client process.
type Config struct {
	Identity   IdentityConfig   `yaml:"identity"`
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Mutations  MutationsConfig  `yaml:"mutations"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Debug      DebugConfig      `yaml:"debug"`
}

// IdentityConfig names the authenticated user. UserID is optional when the
// token carries a user id claim.
type IdentityConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	UserID    string `yaml:"user_id"`
}

type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	WSURL        string        `yaml:"ws_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	QueueSize          int           `yaml:"queue_size"`
}

type MutationsConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
	TypingTTL      time.Duration `yaml:"typing_ttl"`
}

type RefreshConfig struct {
	Interval    time.Duration `yaml:"interval"` // 0: refresh on reconnect only
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	PageSize    int           `yaml:"page_size"`
}

// DebugConfig controls the local debug HTTP server. An explicit port of 0
// disables it; an absent port takes the default.
type DebugConfig struct {
	Port *int `yaml:"port"`
}

// Enabled reports whether the debug server should be started.
func (d DebugConfig) Enabled() bool {
	return d.Port != nil && *d.Port > 0
}

// ListenPort returns the configured port, or 0 when unset.
func (d DebugConfig) ListenPort() int {
	if d.Port == nil {
		return 0
	}
	return *d.Port
}

// Load reads and parses the file at path, expanding ${VAR} references from
// the environment. Defaults are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults is Load followed by filling in unset optional fields.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads the file, applies defaults and validates the result.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ResolveToken returns the inline token, or the trimmed contents of
// token_file when no inline token is configured.
func (c *Config) ResolveToken() (string, error) {
	if c.Identity.Token != "" || c.Identity.TokenFile == "" {
		return c.Identity.Token, nil
	}
	token, err := auth.LoadToken(c.Identity.TokenFile)
	if err != nil {
		return "", fmt.Errorf("identity.token_file: %w", err)
	}
	return token, nil
}
