// Package log provides structured logging for deckhand.
//
// This package defines a Logger interface backed by Go's stdlib slog,
// enabling testable logging throughout the codebase. Subsystems accept
// the Logger via functional options, with a global default for convenience.
//
// Output semantics:
//   - User output (stdout): command results, plans, success messages
//   - Diagnostic logging (stderr): Debug, Info, Warn, Error messages
//
// Verbosity comes from DEVOPS_LOG_LEVEL or CLI flags:
//   - ERROR (--quiet): errors only
//   - WARN (default): warnings and user output
//   - INFO (--verbose): operational context
//   - DEBUG (--debug): internal state and troubleshooting details
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the interface for structured logging.
// Methods match slog's signature for easy integration.
type Logger interface {
	// Debug logs at DEBUG level. Use for internal state, cache hits,
	// probe output - information only useful for troubleshooting.
	Debug(msg string, args ...any)

	// Info logs at INFO level. Use for operational context like
	// "profile refreshed" or "recipe catalog loaded".
	Info(msg string, args ...any)

	// Warn logs at WARN level. Use for recoverable issues like
	// "cache persist failed, serving from memory".
	Warn(msg string, args ...any)

	// Error logs at ERROR level. Use for failures that prevent
	// the operation from completing.
	Error(msg string, args ...any)

	// With returns a Logger with additional context attributes.
	With(args ...any) Logger
}

// slogLogger wraps slog.Logger to implement the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// New creates a Logger backed by slog with the given handler.
func New(h slog.Handler) Logger {
	return &slogLogger{l: slog.New(h)}
}

// NewText creates a Logger writing text-formatted records at the given
// level to w. This is the standard setup for the CLI and server.
func NewText(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// noopLogger discards all log output.
type noopLogger struct{}

// NewNoop returns a logger that discards all output.
// Useful for testing or when logging should be disabled.
func NewNoop() Logger {
	return noopLogger{}
}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) With(...any) Logger   { return noopLogger{} }

// ParseLevel maps a DEVOPS_LOG_LEVEL value to a slog.Level.
// Unknown or empty values return the default WARN level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// LevelFromEnv returns the level configured via DEVOPS_LOG_LEVEL.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("DEVOPS_LOG_LEVEL"))
}

// defaultLogger is the global logger instance.
var (
	defaultLogger Logger = noopLogger{}
	defaultMu     sync.RWMutex
)

// Default returns the global logger configured at startup.
// Returns a noop logger if SetDefault has not been called.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the global logger.
// This should be called once during program initialization,
// typically in main() after parsing verbosity flags.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}
