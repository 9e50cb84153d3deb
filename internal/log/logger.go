// Package log owns the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// Setup installs the global logger on stdout. Later calls only change the
// level. Unknown formats fall back to JSON.
func Setup(lvl, format string) {
	level.Set(ParseLevel(lvl))
	once.Do(func() {
		logger = newLogger(os.Stdout, level, format)
		slog.SetDefault(logger)
	})
}

// SetLevel changes the level of every logger derived from Get.
func SetLevel(lvl string) slog.Level {
	l := ParseLevel(lvl)
	level.Set(l)
	return l
}

func newLogger(w io.Writer, lv slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lv}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a config level name to a slog level. Unknown names are INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger, installing a JSON/INFO one if needed.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

func WithFunction(name string) *slog.Logger {
	return Get().With(slog.String("function", name))
}
