// Package logging configures the process-wide slog logger from the
// environment.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog default: a JSON handler when
// CRATERD_JSON_LOG asks for one (deployments scraping logs), a text
// handler otherwise, at the level named by CRATERD_LOG_LEVEL. Every
// record carries the service attribute.
func Init(service string) *slog.Logger {
	level := ParseLevel(os.Getenv("CRATERD_LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(os.Getenv("CRATERD_JSON_LOG")) {
	case "1", "true", "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "level", level.String())
	return logger
}

// ParseLevel maps a CRATERD_LOG_LEVEL value onto a slog level, defaulting
// to info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
