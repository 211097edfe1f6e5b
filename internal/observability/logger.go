// Package observability provides structured logging for ragline services.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level   string
	Format  string // json or console
	Output  io.Writer
	Service string
}

// NewLogger builds the service root logger. Component loggers derive from it
// via With() so every line carries the service field.
func NewLogger(cfg LogConfig) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var l zerolog.Logger
	if cfg.Format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(output)
	}

	service := cfg.Service
	if service == "" {
		service = "ragline"
	}

	return l.Level(parseLevel(cfg.Level)).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// DefaultLogger returns a console logger for development and tests.
func DefaultLogger() zerolog.Logger {
	return NewLogger(LogConfig{Level: "debug", Format: "console"})
}

// Component returns a sub-logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Tenant returns a sub-logger scoped to a tenant.
func Tenant(l zerolog.Logger, tenantID string) zerolog.Logger {
	return l.With().Str("tenant_id", tenantID).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
