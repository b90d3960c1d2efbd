// Package log wraps zerolog to give every syncdb package a structured,
// component-tagged logger, mirroring the global-logger-plus-component-child
// pattern used across the corpus for production logging.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	global = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init configures the global logger. level is one of "debug", "info",
// "warn", "error" (case-insensitive, default "info"); console selects a
// human-readable writer instead of JSON, matching spec.md §6's
// logLevel/logSinks options.
func Init(level string, console bool, sink io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if sink == nil {
		sink = os.Stderr
	}
	var w io.Writer = sink
	if console {
		w = zerolog.ConsoleWriter{Out: sink}
	}

	global = zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with the given component name,
// e.g. log.Component("dag"), log.Component("sync").
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return global.With().Str("component", name).Logger()
}

// WithClient returns a child logger additionally tagged with a client ID,
// for the client/recovery packages that log per-client lifecycle events.
func WithClient(l zerolog.Logger, clientID string) zerolog.Logger {
	return l.With().Str("clientID", clientID).Logger()
}
