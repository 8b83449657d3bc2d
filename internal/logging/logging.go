// Package logging builds the structured logger shared by the service and
// its cmd/renderd entrypoint: slog with a tinted console handler for
// interactive use and a JSON handler for production/log-aggregation.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config controls the logger New builds.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // console, json
	AddSource bool
}

// New builds a *slog.Logger per Config, writing to w (os.Stdout if nil).
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level := parseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.New(handler)
}

// Default returns a console logger at info level, suitable as a fallback
// before config has been loaded.
func Default() *slog.Logger {
	return New(Config{Level: "info", Format: "console"}, os.Stdout)
}

func parseLevel(level string) slog.Level {
	switch level {
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
