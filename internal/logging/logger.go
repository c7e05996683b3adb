// Package logging sets up structured logging and records acceptance
// decisions in the provenance log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// #region logger
// New creates a *slog.Logger writing to stderr with a "service" attribute on
// every record. format is "json" or "text".
func New(level, format, service string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format, service)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format, service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	l := slog.New(h)
	if service != "" {
		l = l.With("service", service)
	}
	return l
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(s string) slog.Level {
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

// #endregion logger
