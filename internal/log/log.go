// Package log provides the process-wide logger. It is a thin wrapper over
// log/slog configured for plugin use: text output on stderr so that systemd
// captures it in the journal.
package log

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Setup configures the global logger. With verbose enabled, debug messages
// are emitted as well.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Debug logs a message at debug level with optional key-value pairs
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs a message at info level with optional key-value pairs
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a message at warn level with optional key-value pairs
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs a message at error level with optional key-value pairs
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
