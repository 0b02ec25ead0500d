// Package logging builds the structured loggers used throughout the broker.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // json|text|pretty
	Component string // attached as the "component" field
}

// New builds a zerolog.Logger configured for the given component.
//
// JSON output by default; "pretty" swaps in a zerolog.ConsoleWriter for
// local development. Every call sets the process-wide global level, so
// the most recent caller's Config.Level is the one in effect.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "wsbroker").
		Str("component", cfg.Component).
		Logger()

	return logger
}

// RecoverPanic is deferred at the top of each actor's per-command
// handler so a panic in a single handler logs a stack trace and the
// mailbox loop goes on to the next command instead of taking the
// process down.
func RecoverPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Str("where", where).
			Msg("recovered panic in actor loop")
	}
}
