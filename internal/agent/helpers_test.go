package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

var eventTime = time.Date(2025, 6, 4, 10, 2, 0, 0, time.UTC)

func testEvent() models.Event {
	return models.Event{
		Source:        models.SourceEC2,
		EventName:     "StopInstances",
		Timestamp:     eventTime,
		ResourceType:  "ec2",
		ResourceID:    "i-0abc",
		ActorIdentity: "arn:aws:iam::123:user/ops",
		Payload:       map[string]any{"region": "eu-west-1"},
	}
}

func newRun(ev models.Event) *RunContext {
	return NewRunContext("corr-1", "fp-1", ev, eventTime)
}

func success(stage models.StageName, analysis any) models.AgentResult {
	return models.AgentResult{Stage: stage, Status: models.StageSuccess, Analysis: analysis}
}

type fakeHistory struct {
	incidents []models.Incident
	err       error
	gotKey    string
}

func (f *fakeHistory) ListByResource(_ context.Context, key string, _, _ time.Time) ([]models.Incident, error) {
	f.gotKey = key
	return f.incidents, f.err
}

type fakeTelemetry struct {
	series []repo.MetricPoint
	logs   []repo.LogEntry
	spans  []repo.TraceSpan
	errs   map[string]error
}

func (f *fakeTelemetry) FetchMetricSeries(context.Context, string, string, time.Time, time.Time) ([]repo.MetricPoint, error) {
	return f.series, f.errs["metrics"]
}

func (f *fakeTelemetry) FetchLogEntries(context.Context, string, string, time.Time, time.Time) ([]repo.LogEntry, error) {
	return f.logs, f.errs["logs"]
}

func (f *fakeTelemetry) FetchTraceSpans(context.Context, string, string, time.Time, time.Time) ([]repo.TraceSpan, error) {
	return f.spans, f.errs["traces"]
}

type fakeCompliance struct {
	violation bool
	reasons   []string
	err       error
}

func (f fakeCompliance) Check(context.Context, models.Event, *models.TriageAnalysis) (bool, []string, error) {
	return f.violation, f.reasons, f.err
}

type fakeSLO struct {
	status repo.SLOStatus
	err    error
	delay  time.Duration
}

func (f fakeSLO) FetchSLOStatus(ctx context.Context, _, _ string) (repo.SLOStatus, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return repo.SLOStatus{}, ctx.Err()
		}
	}
	return f.status, f.err
}

type fixedCalendar bool

func (c fixedCalendar) Blocked(time.Time) bool { return bool(c) }

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	receipt models.DispatchReceipt
	err     error
}

func (f *fakeDispatcher) Dispatch(context.Context, string, map[string]string) (models.DispatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.receipt, f.err
}

func (f *fakeDispatcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type brokenStore struct{}

var errConnRefused = errors.New("conn refused")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errConnRefused }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errConnRefused
}
func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errConnRefused
}
func (brokenStore) Del(context.Context, string) error { return errConnRefused }
func (brokenStore) Close() error                      { return nil }
