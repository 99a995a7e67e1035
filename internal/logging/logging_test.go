// ABOUTME: Tests for logger construction
// ABOUTME: Checks level filtering, attribute rendering, and JSON output

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_TextFiltersAndRendersAttrs(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer

	logger := New(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Debug("hidden")
	logger.With("component", "session").WithGroup("conn").Info("state changed", "to", "connected")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF state changed")
	assert.Contains(t, out, "component=session")
	assert.Contains(t, out, "conn.to=connected")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer

	logger := New(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "session_id", "s-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "s-1", rec["session_id"])
	assert.Equal(t, "DEBUG", rec["level"])
}
