package config

import (
	"io"
	"log/slog"
	"os"
)

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs a text handler on stdout at the configured level.
func (c *Config) SetupLogging() {
	c.setupLoggingTo(os.Stdout)
}

func (c *Config) setupLoggingTo(w io.Writer) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()})))
}
