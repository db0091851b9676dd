// Package logging builds the loggers of the agent.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
)

// Verbosity of debug records. Skipped probes are reported at this level.
const Debug = 1

// ParseLevel converts a level name into a slog level. The empty string means
// info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// New creates a text logger that writes records at or above the level.
func New(w io.Writer, level slog.Level) logr.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})

	return logr.FromSlogHandler(handler)
}

// NewFromName is like New but takes a level name.
func NewFromName(w io.Writer, levelName string) (logr.Logger, error) {
	level, err := ParseLevel(levelName)
	if err != nil {
		return logr.Discard(), err
	}

	return New(w, level), nil
}

// Warn logs a warning. logr has no warning level, so warnings are info
// records marked with a severity key.
func Warn(logger logr.Logger, msg string, keysAndValues ...any) {
	kv := make([]any, 0, len(keysAndValues)+2)
	kv = append(kv, "severity", "warning")
	kv = append(kv, keysAndValues...)

	logger.Info(msg, kv...)
}
