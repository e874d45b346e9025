package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/edgewild/fleetcore/internal/infrastructure/config"
)

// Logger is the process-wide structured logger. It embeds slog.Logger,
// so every package that takes the four-method Logger interface accepts
// it directly, and carries the service name and version as default
// attributes on every line.
type Logger struct {
	*slog.Logger
}

// New builds a logger from config: JSON or text format, level
// filtering, stdout or stderr.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "fleetcore"),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel maps a config string to a slog level. Unrecognised
// values fall back to info.
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

// With returns a child logger carrying additional default attributes,
// typically a component tag:
//
//	gwLogger := logger.With("component", "gateway")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default is the early-startup logger used before config is loaded:
// JSON to stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
