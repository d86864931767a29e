// Package logger provides structured logging setup for the gateway.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/amplifier-gateway/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// When cfg.Async is set the handler offloads writes to a background
// worker so logging never blocks a session's event loop.
func New(cfg config.Logging) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	if cfg.Async {
		handler = NewAsyncHandler(handler, 1024, 1)
	}

	return slog.New(handler).With("service", cfg.Service)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
