// Package logging configures the process-wide structured logger.
//
// All gateway components log through zerolog with contextual fields so the
// output can be shipped to Loki/ELK without further parsing.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format Format
}

// New creates a structured logger with timestamp, caller and service fields.
//
// Example:
//
//	logger := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON})
//	logger.Info().
//	    Str("component", "transport").
//	    Int("connections", 100).
//	    Msg("Manager started")
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "exai-gateway").
		Logger()
}

// RecoverPanic logs a recovered panic with a full stack trace without killing
// the process. Use in the defer block of every long-lived goroutine.
//
// Example:
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "retryLoop", map[string]any{"client_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
