package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddress, *cfg.Server.Address)
	assert.Equal(t, int64(DefaultMaxRequestBodySize), *cfg.Server.MaxRequestBodySize)
	assert.Equal(t, uint32(DefaultInitialWindowSize), *cfg.Server.InitialWindowSize)
	assert.Equal(t, int64(DefaultMaxWorkers), *cfg.Server.MaxWorkers)
	assert.Equal(t, int64(0), *cfg.Server.MaxRequests)
	assert.Equal(t, "", *cfg.Server.MetricsAddress)
	assert.Equal(t, LogLevelInfo, cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.Format)

	ht, err := cfg.HandlerTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultHandlerTimeout, ht)
	gt, err := cfg.GracefulShutdownTimeout()
	require.NoError(t, err)
	assert.Equal(t, DefaultGracefulTimeout, gt)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
address = "0.0.0.0:9000"
max_request_body_size = 1024
initial_window_size = 2048
max_workers = 4
handler_timeout = "5s"
graceful_shutdown_timeout = "2s"
max_requests = 1000
metrics_address = "127.0.0.1:9100"

[logging]
log_level = "DEBUG"
format = "console"
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", *cfg.Server.Address)
	assert.Equal(t, int64(1024), *cfg.Server.MaxRequestBodySize)
	assert.Equal(t, uint32(2048), *cfg.Server.InitialWindowSize)
	assert.Equal(t, int64(4), *cfg.Server.MaxWorkers)
	assert.Equal(t, int64(1000), *cfg.Server.MaxRequests)
	assert.Equal(t, "127.0.0.1:9100", *cfg.Server.MetricsAddress)
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)

	ht, err := cfg.HandlerTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ht)
}

func TestInitialWindowTracksBodyCap(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
max_request_body_size = 8192
`))
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), *cfg.Server.InitialWindowSize)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty address", "[server]\naddress = \"\"\n"},
		{"zero body size", "[server]\nmax_request_body_size = 0\n"},
		{"zero workers", "[server]\nmax_workers = 0\n"},
		{"bad handler timeout", "[server]\nhandler_timeout = \"soon\"\n"},
		{"negative timeout", "[server]\nhandler_timeout = \"-1s\"\n"},
		{"negative max requests", "[server]\nmax_requests = -1\n"},
		{"unknown log level", "[logging]\nlog_level = \"TRACE\"\n"},
		{"unknown format", "[logging]\nformat = \"xml\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadInvalidTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "[server\naddress ="))
	assert.Error(t, err)
}
