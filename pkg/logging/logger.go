// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs raw API payloads and everything above.
	LevelTrace LogLevel = "trace"

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
	Level LogLevel `yaml:"level"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `yaml:"pretty"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `yaml:"-"`
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
	level := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForSite derives a component logger bound to a site identity.
func ForSite(component, site string) zerolog.Logger {
	return log.With().Str("component", component).Str("site", site).Logger()
}

// Log Level Guidelines:
//
// Trace: raw API responses and encoded request bodies
//
// Debug: Detailed information for debugging
//   - Cache lookups (hit/miss, key)
//   - Throttle reservations below the noisy-sleep threshold
//   - Continuation rounds and page sizes
//
// Info: Normal operation events
//   - Logins
//   - Throttle sleeps above the noisy-sleep threshold
//   - Simulated (blocked) write actions
//
// Warn: Warning conditions that don't prevent operation
//   - Retry waits and non-JSON responses
//   - API warnings not consumed by a warning handler
//   - Cache read/write failures (treated as misses)
//
// Error: Error conditions requiring attention
//   - Fatal transport failures
//   - Terminal API errors and exhausted retries
//
// Context Fields:
//   - site: site identity (family:code)
//   - action: API action name
//   - request_id: per-submission correlation id
//   - error_class: construction, transport, server, session_expired, timeout
//   - attempt: attempt number within one submission
//   - wait: backoff or throttle duration
//   - cache_key: canonical cache key hash
