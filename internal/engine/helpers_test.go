package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/agent"
	"github.com/miradorstack/mirador-responder/internal/analysis"
	"github.com/miradorstack/mirador-responder/internal/cache"
	"github.com/miradorstack/mirador-responder/internal/ledger"
	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
	"github.com/miradorstack/mirador-responder/internal/projection"
	"github.com/miradorstack/mirador-responder/internal/repo"
	"github.com/miradorstack/mirador-responder/internal/store"
)

type stubAgent struct {
	stage models.StageName
	run   func(ctx context.Context, rc *agent.RunContext) (any, error)
}

func (s stubAgent) Stage() models.StageName { return s.stage }

func (s stubAgent) Run(ctx context.Context, rc *agent.RunContext) (any, error) {
	if s.run == nil {
		return nil, nil
	}
	return s.run(ctx, rc)
}

type flatTelemetry struct {
	err error
}

func (f flatTelemetry) FetchMetricSeries(_ context.Context, _, _ string, start, _ time.Time) ([]repo.MetricPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	points := make([]repo.MetricPoint, 0, 6)
	for i := 0; i < 6; i++ {
		points = append(points, repo.MetricPoint{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: float64(10 + i%2)})
	}
	return points, nil
}

func (flatTelemetry) FetchLogEntries(context.Context, string, string, time.Time, time.Time) ([]repo.LogEntry, error) {
	return nil, nil
}

func (flatTelemetry) FetchTraceSpans(context.Context, string, string, time.Time, time.Time) ([]repo.TraceSpan, error) {
	return nil, nil
}

type openCalendar struct{}

func (openCalendar) Blocked(time.Time) bool { return false }

type staticCompliance bool

func (c staticCompliance) Check(context.Context, models.Event, *models.TriageAnalysis) (bool, []string, error) {
	if c {
		return true, []string{"resource is tagged frozen"}, nil
	}
	return false, nil, nil
}

type staticSLO bool

func (s staticSLO) FetchSLOStatus(context.Context, string, string) (repo.SLOStatus, error) {
	return repo.SLOStatus{Objective: "availability", Exhausted: bool(s)}, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(context.Context, string, map[string]string) (models.DispatchReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return models.DispatchReceipt{Accepted: true, ReferenceID: "exec-1"}, nil
}

func (d *countingDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.DispatchRequest
	fail string
}

func (n *recordingNotifier) Send(_ context.Context, req models.DispatchRequest) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
	if req.Channel == n.fail {
		return false, errors.New("sink unavailable")
	}
	return true, nil
}

type fixtureOptions struct {
	store        projection.IncidentStore
	telemetryErr error
	violation    bool
	exhausted    bool
}

type fixture struct {
	coordinator *Coordinator
	projection  *projection.Projection
	dispatcher  *countingDispatcher
	notifier    *recordingNotifier
}

func newFixture(t *testing.T, opts fixtureOptions) fixture {
	t.Helper()
	var incidents projection.IncidentStore = store.NewMemoryStore()
	if opts.store != nil {
		incidents = opts.store
	}
	proj := projection.New(incidents, nil)
	dispatcher := &countingDispatcher{}
	notifier := &recordingNotifier{}

	cooldown := ledger.NewCooldownLedger(cache.NewMemoryProvider(nil), ledger.Options{Window: 5 * time.Minute})
	graph, err := IncidentGraph(Stages{
		Triage:          agent.NewTriageAgent(proj, agent.TriageOptions{SeverityFloor: 3, FlappingThreshold: 3}),
		Telemetry:       agent.NewTelemetryAgent(flatTelemetry{err: opts.telemetryErr}, agent.TelemetryOptions{Sensitivity: 2}),
		GuardrailInputs: agent.NewGuardrailAgent(openCalendar{}, staticCompliance(opts.violation), staticSLO(opts.exhausted), agent.GuardrailOptions{}),
		Risk:            agent.NewRiskAgent(policy.NewBlastEstimator(map[string]string{"ec2": "localized"}, 0.4), nil),
		Remediation: agent.NewRemediationAgent(cooldown,
			map[models.RemediationMechanism]agent.Dispatcher{models.MechanismAutomationDocument: dispatcher},
			nil,
			agent.RemediationOptions{
				Mechanisms:          map[string]models.RemediationMechanism{"ec2": models.MechanismAutomationDocument},
				ConfidenceThreshold: 0.7,
			}),
		Communications: agent.NewCommunicationsAgent(analysis.Disabled{}, time.Second, nil),
	})
	require.NoError(t, err)

	coordinator, err := NewCoordinator(graph, proj, Options{
		PipelineTimeout: 10 * time.Second,
		StageTimeout:    5 * time.Second,
		Notifier:        notifier,
	})
	require.NoError(t, err)
	return fixture{coordinator: coordinator, projection: proj, dispatcher: dispatcher, notifier: notifier}
}

func ec2Event(eventName, resourceID string) models.Event {
	return models.Event{
		Source:        models.SourceEC2,
		EventName:     eventName,
		Timestamp:     time.Now().UTC(),
		ResourceType:  "ec2",
		ResourceID:    resourceID,
		ActorIdentity: "arn:aws:iam::123456789012:user/ops",
		Payload:       map[string]any{"region": "eu-west-1"},
	}
}

func statuses(inc *models.Incident) map[models.StageName]models.StageStatus {
	out := make(map[models.StageName]models.StageStatus, len(inc.Results))
	for _, r := range inc.Results {
		out[r.Stage] = r.Status
	}
	return out
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next failFinal writes that finalize an incident.
type flakyStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	failFinal int
}

func (s *flakyStore) Update(ctx context.Context, rec store.IncidentRecord) error {
	s.mu.Lock()
	if rec.FinalizedAt.Valid && s.failFinal > 0 {
		s.failFinal--
		s.mu.Unlock()
		return errStoreDown
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, rec)
}
