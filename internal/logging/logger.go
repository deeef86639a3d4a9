// Package logging builds the node's structured logger.
//
// Components derive child loggers with With("component", name) so every
// line can be traced back to the queue, cache, sync engine or controller
// that produced it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BrandonDHaskell/Portunus/node/internal/config"
)

// New returns a slog.Logger configured from cfg. JSON is the default
// format; "text" is meant for a developer terminal.
func New(cfg config.LoggingConfig, version, deviceID string) *slog.Logger {
	return NewWithWriter(cfg, version, deviceID, output(cfg.Output))
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, version, deviceID string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "portunus-node"),
		slog.String("version", version),
		slog.String("device_id", deviceID),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func output(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
