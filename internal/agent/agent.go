// Package agent implements the incident pipeline stages. Each stage reads an
// immutable RunContext and returns its own analysis; the engine package owns
// scheduling and state.
package agent

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

// Agent is one pipeline stage.
type Agent interface {
	Stage() models.StageName
	// Run returns the stage analysis. A stage may return both an analysis and
	// an error; the analysis is kept for audit.
	Run(ctx context.Context, rc *RunContext) (any, error)
}

// HistoryReader lists earlier incidents for a resource.
type HistoryReader interface {
	ListByResource(ctx context.Context, resourceKey string, from, to time.Time) ([]models.Incident, error)
}

// TelemetrySource fetches the signals around an event.
type TelemetrySource interface {
	FetchMetricSeries(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]repo.MetricPoint, error)
	FetchLogEntries(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]repo.LogEntry, error)
	FetchTraceSpans(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]repo.TraceSpan, error)
}

// ComplianceChecker decides whether acting on a resource violates policy.
type ComplianceChecker interface {
	Check(ctx context.Context, ev models.Event, triage *models.TriageAnalysis) (bool, []string, error)
}

// SLOChecker reports the error budget of the service owning a resource.
type SLOChecker interface {
	FetchSLOStatus(ctx context.Context, resourceType, resourceID string) (repo.SLOStatus, error)
}

// ChangeCalendar reports whether automated changes are blocked at t.
type ChangeCalendar interface {
	Blocked(t time.Time) bool
}

// Dispatcher triggers a remediation backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, resourceType string, params map[string]string) (models.DispatchReceipt, error)
}

// Ledger serialises automated actions per resource.
type Ledger interface {
	IsInCooldown(ctx context.Context, resourceKey string, now time.Time) (bool, error)
	Reserve(ctx context.Context, resourceKey string, now time.Time) (bool, error)
	RecordRemediation(ctx context.Context, resourceKey string, now time.Time) error
	Release(ctx context.Context, resourceKey string) error
}

// RunbookIndex recalls and remembers runbooks.
type RunbookIndex interface {
	SimilarRunbooks(ctx context.Context, resourceType, eventName string, limit int) ([]repo.RunbookRecord, error)
	StoreRunbook(ctx context.Context, rec repo.RunbookRecord) error
}
