package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozzztik/django-h2/internal/config"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&config.LoggingConfig{LogLevel: config.LogLevelInfo, Format: "json"}, &buf)

	log.Info().Str("key", "value").Msg("hello")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["message"])
	assert.Equal(t, "value", record["key"])
	assert.NotEmpty(t, record["time"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&config.LoggingConfig{LogLevel: config.LogLevelWarning, Format: "json"}, &buf)

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&config.LoggingConfig{LogLevel: config.LogLevelDebug, Format: "console"}, &buf)

	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNilConfigDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(nil, &buf)
	log.Debug().Msg("dropped")
	assert.Zero(t, buf.Len())
}
