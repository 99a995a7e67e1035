// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Reads YAML or TOML with ${VAR} expansion over built-in defaults

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/session"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "COVEN_RELAY_CONFIG"

// Config represents the complete coven-relay configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	Retry   RetryConfig   `yaml:"retry" toml:"retry"`
	Dedupe  DedupeConfig  `yaml:"dedupe" toml:"dedupe"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// AgentConfig describes the remote agent the host dials
type AgentConfig struct {
	URL         string `yaml:"url" toml:"url"`
	TokenSecret string `yaml:"token_secret" toml:"token_secret"`

	TokenTTL         time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw         string `yaml:"token_ttl" toml:"token_ttl"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// RetryConfig holds reconnect, heartbeat, and send limits
type RetryConfig struct {
	MaxRetries          int     `yaml:"max_retries" toml:"max_retries"`
	BackoffFactor       float64 `yaml:"backoff_factor" toml:"backoff_factor"`
	MaxMissedHeartbeats int     `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats"`
	MaxSendAttempts     int     `yaml:"max_send_attempts" toml:"max_send_attempts"`

	BaseDelay         time.Duration `yaml:"-" toml:"-"`
	MaxDelay          time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	ConnectionTimeout time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`

	BaseDelayRaw         string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw          string `yaml:"max_delay" toml:"max_delay"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ConnectionTimeoutRaw string `yaml:"connection_timeout" toml:"connection_timeout"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
}

// DedupeConfig sizes the replay window for inbound frames
type DedupeConfig struct {
	MaxSize int           `yaml:"max_size" toml:"max_size"`
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
}

// HistoryConfig holds transcript persistence configuration
type HistoryConfig struct {
	// Path is the SQLite file; empty keeps history in memory only
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	p := session.DefaultRetryPolicy()
	cfg := &Config{
		Agent: AgentConfig{
			URL:                 "ws://127.0.0.1:8765/ws",
			TokenTTLRaw:         "1m",
			HandshakeTimeoutRaw: "10s",
		},
		Retry: RetryConfig{
			MaxRetries:           p.MaxRetries,
			BackoffFactor:        p.BackoffFactor,
			MaxMissedHeartbeats:  p.MaxMissedHeartbeats,
			MaxSendAttempts:      p.MaxSendAttempts,
			BaseDelayRaw:         p.BaseDelay.String(),
			MaxDelayRaw:          p.MaxDelay.String(),
			HeartbeatIntervalRaw: p.HeartbeatInterval.String(),
			ConnectionTimeoutRaw: p.ConnectionTimeout.String(),
			SendTimeoutRaw:       p.SendTimeout.String(),
		},
		Dedupe: DedupeConfig{
			MaxSize: 10_000,
			TTLRaw:  "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
	// Defaults are well-formed; parse them so callers get durations too.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. The format follows the extension: .toml for TOML, anything else
// is YAML. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/coven/relay.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "relay.yaml")
}

// Resolve loads the config chosen by priority: flagPath, then $COVEN_RELAY_CONFIG,
// then DefaultPath. A missing default file yields Default(); a missing
// explicitly named file is an error.
func Resolve(flagPath string) (*Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}

	path = DefaultPath()
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), "", nil
	}
	return cfg, path, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configuration fields are present and valid.
func (c *Config) Validate() error {
	if c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required")
	}
	u, err := url.Parse(c.Agent.URL)
	if err != nil {
		return fmt.Errorf("agent.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("agent.url must use ws or wss scheme")
	}

	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if c.Dedupe.MaxSize < 0 {
		return fmt.Errorf("dedupe.max_size must be >= 0")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Policy converts the retry section into a session.RetryPolicy.
func (c *Config) Policy() session.RetryPolicy {
	return session.RetryPolicy{
		MaxRetries:          c.Retry.MaxRetries,
		BaseDelay:           c.Retry.BaseDelay,
		MaxDelay:            c.Retry.MaxDelay,
		BackoffFactor:       c.Retry.BackoffFactor,
		HeartbeatInterval:   c.Retry.HeartbeatInterval,
		ConnectionTimeout:   c.Retry.ConnectionTimeout,
		MaxMissedHeartbeats: c.Retry.MaxMissedHeartbeats,
		SendTimeout:         c.Retry.SendTimeout,
		MaxSendAttempts:     c.Retry.MaxSendAttempts,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.token_ttl", cfg.Agent.TokenTTLRaw, &cfg.Agent.TokenTTL},
		{"agent.handshake_timeout", cfg.Agent.HandshakeTimeoutRaw, &cfg.Agent.HandshakeTimeout},
		{"retry.base_delay", cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay},
		{"retry.heartbeat_interval", cfg.Retry.HeartbeatIntervalRaw, &cfg.Retry.HeartbeatInterval},
		{"retry.connection_timeout", cfg.Retry.ConnectionTimeoutRaw, &cfg.Retry.ConnectionTimeout},
		{"retry.send_timeout", cfg.Retry.SendTimeoutRaw, &cfg.Retry.SendTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
