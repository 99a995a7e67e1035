// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML files, env var expansion, defaults, and path resolution

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, session.DefaultRetryPolicy(), cfg.Policy())
	assert.Equal(t, time.Minute, cfg.Agent.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Dedupe.TTL)
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "s3cret")

	path := writeConfig(t, "relay.yaml", `
agent:
  url: "wss://agent.example.com/ws"
  token_secret: "${TEST_RELAY_SECRET}"
  token_ttl: "30s"

retry:
  max_retries: 2
  base_delay: "500ms"
  max_delay: "4s"
  heartbeat_interval: "15s"

dedupe:
  ttl: "1m"
  max_size: 50

history:
  path: "/tmp/relay.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://agent.example.com/ws", cfg.Agent.URL)
	assert.Equal(t, "s3cret", cfg.Agent.TokenSecret)
	assert.Equal(t, 30*time.Second, cfg.Agent.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Agent.HandshakeTimeout, "unset field keeps default")

	p := cfg.Policy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 4*time.Second, p.MaxDelay)
	assert.Equal(t, 15*time.Second, p.HeartbeatInterval)
	assert.Equal(t, 2.0, p.BackoffFactor, "unset field keeps default")
	assert.Equal(t, 3, p.MaxSendAttempts)

	assert.Equal(t, time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, 50, cfg.Dedupe.MaxSize)
	assert.Equal(t, "/tmp/relay.db", cfg.History.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_AGENT_HOST", "agent.internal")

	path := writeConfig(t, "relay.toml", `
[agent]
url = "ws://${TEST_AGENT_HOST}:9000/ws"

[retry]
max_retries = 0
connection_timeout = "2s"
max_missed_heartbeats = 4

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://agent.internal:9000/ws", cfg.Agent.URL)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.ConnectionTimeout)
	assert.Equal(t, 4, cfg.Retry.MaxMissedHeartbeats)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{"bad duration", "c.yaml", "retry:\n  base_delay: \"soon\"\n", "retry.base_delay"},
		{"bad scheme", "c.yaml", "agent:\n  url: \"http://x\"\n", "ws or wss"},
		{"empty url", "c.yaml", "agent:\n  url: \"\"\n", "agent.url is required"},
		{"invalid policy", "c.yaml", "retry:\n  backoff_factor: 0.5\n", "backoff factor"},
		{"bad format", "c.yaml", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"bad yaml", "c.yaml", "agent: [unclosed\n", "parsing config file"},
		{"bad toml", "c.toml", "[agent\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_SET", "value")

	assert.Equal(t, "a=value b=", expandEnvVars("a=${TEST_SET} b=${TEST_UNSET_VAR_XYZ}"))
	assert.Equal(t, "plain $HOME stays", expandEnvVars("plain $HOME stays"))
}

func TestResolve(t *testing.T) {
	t.Run("flag wins over env", func(t *testing.T) {
		flagPath := writeConfig(t, "flag.yaml", "logging:\n  level: \"debug\"\n")
		envPath := writeConfig(t, "env.yaml", "logging:\n  level: \"error\"\n")
		t.Setenv(EnvPath, envPath)

		cfg, used, err := Resolve(flagPath)
		require.NoError(t, err)
		assert.Equal(t, flagPath, used)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("env when no flag", func(t *testing.T) {
		envPath := writeConfig(t, "env.yaml", "logging:\n  level: \"error\"\n")
		t.Setenv(EnvPath, envPath)

		cfg, used, err := Resolve("")
		require.NoError(t, err)
		assert.Equal(t, envPath, used)
		assert.Equal(t, "error", cfg.Logging.Level)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		_, _, err := Resolve(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("missing default file falls back to defaults", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		cfg, used, err := Resolve("")
		require.NoError(t, err)
		assert.Empty(t, used)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("default file under XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "coven"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "coven", "relay.yaml"), []byte("dedupe:\n  max_size: 7\n"), 0644))

		cfg, used, err := Resolve("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "coven", "relay.yaml"), used)
		assert.Equal(t, 7, cfg.Dedupe.MaxSize)
	})
}
