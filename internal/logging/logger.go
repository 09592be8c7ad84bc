package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger used by every binary. Records carry the
// service name so the server and the location consumer can share a sink.
func NewLogger(service, level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, service, level)
}

func NewLoggerTo(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("service", service)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
