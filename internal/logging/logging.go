// Package logging provides a structured logger factory for flagkit.
//
// It configures [log/slog] with a JSON handler and a configurable minimum
// level, suitable for production deployments.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FromConfig builds a logger from the opaque logger configuration passed to
// client initialization. Recognised keys are "level", "format" ("json" or
// "text") and "prefix", which is attached to every record as "logger".
// A nil or empty config returns nil so callers keep their own logger.
func FromConfig(cfg map[string]any, w io.Writer) *slog.Logger {
	if len(cfg) == 0 {
		return nil
	}
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(stringOption(cfg, "level"))}

	var handler slog.Handler
	if strings.EqualFold(stringOption(cfg, "format"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if prefix := stringOption(cfg, "prefix"); prefix != "" {
		logger = logger.With("logger", prefix)
	}
	return logger
}

func stringOption(cfg map[string]any, key string) string {
	value, ok := cfg[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
