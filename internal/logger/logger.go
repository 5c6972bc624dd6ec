// Package logger builds the process-wide zerolog logger from configuration.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/kozzztik/django-h2/internal/config"
)

// New creates a logger writing to w according to the logging configuration.
func New(cfg *config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg == nil {
		cfg = &config.LoggingConfig{LogLevel: config.LogLevelInfo, Format: "json"}
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level(cfg.LogLevel)).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything. Used by tests and as a
// fallback when no logger was supplied.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func level(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
