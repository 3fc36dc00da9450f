// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ComponentLogger returns *override if set, else NewLogger(component).
func ComponentLogger(component string, override *zerolog.Logger) zerolog.Logger {
	if override != nil {
		return *override
	}
	return NewLogger(component)
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache lookups (memory/durable/proxy hit or miss, key)
//   - Results dropped because the cache was cleared
//   - Upstream state updates without a health change
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Requests that succeeded after a retry
//   - Cache cleared, batch loads completed
//   - Upstream recovered
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts exhausted, stale values served
//   - Durable store read/write failures
//   - Disallowed proxy paths, upstream marked unhealthy
//
// Error: Error conditions requiring attention
//   - Requests that failed with nothing to serve
//   - Proxy faults (no upstream response)
//   - Configuration errors
//
// Context Fields:
//   - component: request-cache, edge-proxy, batch-loader, upstream-health
//   - url: normalized request URL
//   - key: cache key
//   - status: upstream HTTP status
//   - error_kind: failure classification (rate_limited, server_error, transport, ...)
//   - attempt, backoff: retry progress
//   - request_id: proxy request id
//   - age: age of a stale value
