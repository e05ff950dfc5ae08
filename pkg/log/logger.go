package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New constructs a JSON slog.Logger at info level writing to stdout
func New(service, env string) *slog.Logger {
	return NewWithLevel(service, env, slog.LevelInfo)
}

// NewWithLevel constructs a JSON slog.Logger at the provided level
func NewWithLevel(service, env string, lvl slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, service, env, lvl)
}

// NewWithWriter constructs a JSON slog.Logger writing to w
func NewWithWriter(w io.Writer, service, env string, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})

	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env))
}

// ParseLevel maps a level name to a slog.Level, falling back to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
