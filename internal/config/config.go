package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for log output.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Defaults applied by ApplyDefaults when the corresponding fields are unset.
const (
	// DefaultMaxRequestBodySize mirrors the common framework upload cap of 2.5 MB.
	DefaultMaxRequestBodySize = 2_621_440
	// DefaultInitialWindowSize is advertised to peers as SETTINGS_INITIAL_WINDOW_SIZE.
	// It tracks the request body cap so a compliant client can deliver a full
	// request body without waiting for stream-level window grants.
	DefaultInitialWindowSize     = DefaultMaxRequestBodySize
	DefaultMaxWorkers            = 32
	DefaultAddress               = "127.0.0.1:8443"
	DefaultHandlerTimeout        = 60 * time.Second
	DefaultGracefulTimeout       = 30 * time.Second
	maxAllowedInitialWindowSize  = 1<<31 - 1
	minAllowedMaxRequestBody     = 1
	minAllowedHandlerWorkerCount = 1
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `toml:"server,omitempty"`
	Logging *LoggingConfig `toml:"logging,omitempty"`
}

// ServerConfig holds the transport and multiplexer settings.
type ServerConfig struct {
	// Address is the TCP listen address, e.g. "0.0.0.0:8443".
	Address *string `toml:"address,omitempty"`

	// MaxRequestBodySize caps how many body bytes a single stream may buffer
	// before it is refused. Streams exceeding it are reset with REFUSED_STREAM.
	MaxRequestBodySize *int64 `toml:"max_request_body_size,omitempty"`

	// InitialWindowSize is the flow-control window advertised to peers.
	InitialWindowSize *uint32 `toml:"initial_window_size,omitempty"`

	// MaxWorkers bounds the number of concurrently running request handlers
	// across all connections.
	MaxWorkers *int64 `toml:"max_workers,omitempty"`

	// HandlerTimeout bounds a single handler invocation, e.g. "60s".
	// A timed-out request is answered with 504.
	HandlerTimeout *string `toml:"handler_timeout,omitempty"`

	// GracefulShutdownTimeout bounds connection draining on shutdown, e.g. "30s".
	GracefulShutdownTimeout *string `toml:"graceful_shutdown_timeout,omitempty"`

	// MaxRequests, when positive, recycles the server after that many finished
	// requests: all connections are drained and the accept loop stops.
	MaxRequests *int64 `toml:"max_requests,omitempty"`

	// MetricsAddress, when set, serves Prometheus metrics over plain HTTP on
	// this address. Empty disables the metrics listener.
	MetricsAddress *string `toml:"metrics_address,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `toml:"log_level,omitempty"`
	// Format is "json" (default) or "console".
	Format string `toml:"format,omitempty"`
}

// Load reads and parses a TOML configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every field set to its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Address == nil {
		c.Server.Address = strPtr(DefaultAddress)
	}
	if c.Server.MaxRequestBodySize == nil {
		c.Server.MaxRequestBodySize = int64Ptr(DefaultMaxRequestBodySize)
	}
	if c.Server.InitialWindowSize == nil {
		// Track the body cap when it fits into a window.
		size := uint32(DefaultInitialWindowSize)
		if *c.Server.MaxRequestBodySize > 0 && *c.Server.MaxRequestBodySize <= maxAllowedInitialWindowSize {
			size = uint32(*c.Server.MaxRequestBodySize)
		}
		c.Server.InitialWindowSize = &size
	}
	if c.Server.MaxWorkers == nil {
		c.Server.MaxWorkers = int64Ptr(DefaultMaxWorkers)
	}
	if c.Server.HandlerTimeout == nil {
		c.Server.HandlerTimeout = strPtr(DefaultHandlerTimeout.String())
	}
	if c.Server.GracefulShutdownTimeout == nil {
		c.Server.GracefulShutdownTimeout = strPtr(DefaultGracefulTimeout.String())
	}
	if c.Server.MaxRequests == nil {
		c.Server.MaxRequests = int64Ptr(0)
	}
	if c.Server.MetricsAddress == nil {
		c.Server.MetricsAddress = strPtr("")
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = LogLevelInfo
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for inconsistent or out-of-range values.
// It assumes ApplyDefaults has run.
func (c *Config) Validate() error {
	if *c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if *c.Server.MaxRequestBodySize < minAllowedMaxRequestBody {
		return fmt.Errorf("server.max_request_body_size must be positive, got %d", *c.Server.MaxRequestBodySize)
	}
	if *c.Server.InitialWindowSize == 0 || *c.Server.InitialWindowSize > maxAllowedInitialWindowSize {
		return fmt.Errorf("server.initial_window_size must be in [1, 2^31-1], got %d", *c.Server.InitialWindowSize)
	}
	if *c.Server.MaxWorkers < minAllowedHandlerWorkerCount {
		return fmt.Errorf("server.max_workers must be positive, got %d", *c.Server.MaxWorkers)
	}
	if _, err := c.HandlerTimeout(); err != nil {
		return fmt.Errorf("server.handler_timeout: %w", err)
	}
	if _, err := c.GracefulShutdownTimeout(); err != nil {
		return fmt.Errorf("server.graceful_shutdown_timeout: %w", err)
	}
	if *c.Server.MaxRequests < 0 {
		return fmt.Errorf("server.max_requests must not be negative, got %d", *c.Server.MaxRequests)
	}
	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level: unknown level %q", c.Logging.LogLevel)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: must be \"json\" or \"console\", got %q", c.Logging.Format)
	}
	return nil
}

// HandlerTimeout parses the configured handler timeout.
func (c *Config) HandlerTimeout() (time.Duration, error) {
	return parseDuration(*c.Server.HandlerTimeout)
}

// GracefulShutdownTimeout parses the configured drain timeout.
func (c *Config) GracefulShutdownTimeout() (time.Duration, error) {
	return parseDuration(*c.Server.GracefulShutdownTimeout)
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
