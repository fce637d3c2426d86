package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger returns a slog.Logger writing to stdout at the requested level and format.
func NewLogger(level string, json bool) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, json)
}

// NewLoggerTo is NewLogger with an explicit writer.
func NewLoggerTo(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// IncidentLogger scopes a logger to one incident run.
func IncidentLogger(logger *slog.Logger, correlationID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("correlation_id", correlationID))
}
