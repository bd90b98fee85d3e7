// Package logging configures zerolog for the gateway and its proxy command.
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
	// LevelDebug logs cache decisions and everything above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output. Unknown values mean info.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service, when set, is attached to every entry as "service".
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global level and the global logger and returns the latter.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRequest tags logger with the method and endpoint of one gateway request.
func WithRequest(logger zerolog.Logger, method, endpoint string) zerolog.Logger {
	return logger.With().Str("method", method).Str("endpoint", endpoint).Logger()
}

// Log Level Guidelines:
//
// Debug: cache decisions
//   - hit, miss, bypass with the derived key
//   - entries written, with ttl
//   - invalidations
//
// Info: lifecycle
//   - proxy startup and shutdown, selected cache backend
//   - prefetch batch summaries
//
// Warn: degraded but serving
//   - store read or write errors (the request still goes upstream)
//   - upstream retries
//   - failed fetches for a key (nothing cached)
//
// Error: attention needed
//   - upstream failures after retries are exhausted
//   - recovered panics in a fetch
//   - configuration errors at startup
//
// Context Fields:
//   - component: gateway, client, prefetch, proxy
//   - method: GET or POST
//   - endpoint: request endpoint as given by the caller
//   - key: derived cache key
//   - ttl: cache entry TTL
//   - cache_hit: whether the value came from the store
//   - shared: whether a single-flight result was shared with other callers
//   - status_code: upstream HTTP status
//   - error_class: client, server, rate_limit, network
//   - attempt: retry attempt number
