// Package logging builds the process-wide structured logger, following
// the teacher's zerolog setup (internal/shared/monitoring.NewLogger):
// JSON by default for log-aggregator ingestion, a pretty console writer
// for local development.
package logging

import (
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New creates a logger tagged with service=hstream-subscriptiond.
func New(cfg Config) zerolog.Logger {
	var output interface{ Write([]byte) (int, error) } = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "hstream-subscriptiond").
		Logger()
}

// LogError logs an error with contextual fields and no stack trace —
// the non-panic counterpart of RecoverPanic.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic, when deferred at the top of a goroutine, recovers a
// panic and logs it with a stack trace instead of crashing the whole
// process; the caller's cleanup defers still run. No goroutine in this
// repository defers it.
func RecoverPanic(logger zerolog.Logger, component string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Interface("panic", r).
			Str("component", component).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered from panic")
	}
}
