// Package analysis produces natural-language summaries and runbook narratives.
// The backend is treated as unreliable: every call is bounded and has a
// deterministic fallback.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Task names the kind of text requested.
type Task string

const (
	TaskIncidentSummary  Task = "incident_summary"
	TaskRunbookNarrative  Task = "runbook_narrative"
)

// Request is a bounded prompt: instructions plus a structured payload that is
// serialised as JSON.
type Request struct {
	Task         Task
	Instructions string
	Payload      any
}

// Analyzer turns a request into text.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// ErrDisabled is returned by Disabled.
var ErrDisabled = errors.New("analysis backend disabled")

// Disabled always fails, so callers use their fallback.
type Disabled struct{}

func (Disabled) Analyze(context.Context, Request) (string, error) { return "", ErrDisabled }

// WithFallback calls analyzer under timeout and returns fallback() when the
// call fails, times out or returns blank text. The boolean reports whether the
// text came from the analyzer.
func WithFallback(ctx context.Context, analyzer Analyzer, timeout time.Duration, req Request, fallback func() string, logger *slog.Logger) (string, bool) {
	if analyzer == nil {
		return fallback(), false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	text, err := analyzer.Analyze(ctx, req)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text), true
	}
	if logger != nil && !errors.Is(err, ErrDisabled) {
		logger.Warn("analysis backend unavailable, using fallback", slog.String("task", string(req.Task)), slog.Any("error", err))
	}
	return fallback(), false
}
