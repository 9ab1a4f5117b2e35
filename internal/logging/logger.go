// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON slog logger on stdout at the given level.
// Debug runs also carry source locations; above debug the extra frames
// are not worth the log volume.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New is the writer-injectable variant used by tests.
func New(w io.Writer, level string) *slog.Logger {
	lv := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: lv == slog.LevelDebug,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// parseLevel folds unknown input to info rather than failing startup.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
