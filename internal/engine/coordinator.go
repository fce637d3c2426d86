// Package engine schedules the incident stage graph and drives each incident
// through its workflow states.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-responder/internal/agent"
	"github.com/miradorstack/mirador-responder/internal/audit"
	"github.com/miradorstack/mirador-responder/internal/ledger"
	"github.com/miradorstack/mirador-responder/internal/metrics"
	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/tracing"
	"github.com/miradorstack/mirador-responder/internal/utils"
)

var (
	// ErrDuplicateEvent is returned with the existing incident when an event's
	// fingerprint was already claimed.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrIncidentInProgress is a duplicate whose incident is still running
	// elsewhere. It matches ErrDuplicateEvent.
	ErrIncidentInProgress = fmt.Errorf("%w: incident still in progress", ErrDuplicateEvent)
)

const (
	defaultPipelineTimeout = 4 * time.Minute
	defaultStageTimeout    = 45 * time.Second

	reasonDeadline    = "pipeline deadline exceeded"
	reasonInterrupted = "persistence interrupted"
)

// Notifier delivers one dispatch request to its audience.
type Notifier interface {
	Send(ctx context.Context, req models.DispatchRequest) (bool, error)
}

// IncidentProjection is the persistence the coordinator drives.
type IncidentProjection interface {
	Begin(ctx context.Context, inc *models.Incident) (*models.Incident, error)
	Transition(ctx context.Context, inc *models.Incident, to models.WorkflowState) error
	Finalize(ctx context.Context, inc *models.Incident) error
	Save(ctx context.Context, inc *models.Incident) error
}

// Options tunes the coordinator. Zero values use defaults.
type Options struct {
	FingerprintBucket time.Duration
	PipelineTimeout   time.Duration
	StageTimeout      time.Duration
	Notifier          Notifier
	Audit             audit.Recorder
	Logger            *slog.Logger
	Now               func() time.Time
	NewID             func() string
}

// Coordinator runs incidents through the stage graph. Handle is safe for
// concurrent use.
type Coordinator struct {
	graph           *Graph
	projection      IncidentProjection
	notifier        Notifier
	audit           audit.Recorder
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	bucket          time.Duration
	pipelineTimeout time.Duration
	stageTimeout    time.Duration
}

// NewCoordinator builds a coordinator over a validated graph.
func NewCoordinator(graph *Graph, projection IncidentProjection, opts Options) (*Coordinator, error) {
	if graph == nil {
		return nil, ErrEmptyGraph
	}
	if projection == nil {
		return nil, errors.New("incident projection is required")
	}
	c := &Coordinator{
		graph:           graph,
		projection:      projection,
		notifier:        opts.Notifier,
		audit:           opts.Audit,
		logger:          opts.Logger,
		now:             utils.Clock(opts.Now),
		newID:           opts.NewID,
		bucket:          opts.FingerprintBucket,
		pipelineTimeout: opts.PipelineTimeout,
		stageTimeout:    opts.StageTimeout,
	}
	if c.audit == nil {
		c.audit = audit.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.pipelineTimeout <= 0 {
		c.pipelineTimeout = defaultPipelineTimeout
	}
	if c.stageTimeout <= 0 {
		c.stageTimeout = defaultStageTimeout
	}
	return c, nil
}

// Handle ingests one event and runs it to a terminal state. A duplicate
// returns the existing incident together with ErrDuplicateEvent. Persistence
// failures are returned with the incident as far as it got.
func (c *Coordinator) Handle(ctx context.Context, ev models.Event) (*models.Incident, error) {
	receivedAt := c.now().UTC()
	inc := &models.Incident{
		CorrelationID: c.newID(),
		Event:         ev.Clone(),
		Fingerprint:   ledger.Fingerprint(ev, c.bucket),
		ResourceKey:   ev.ResourceKey(),
		State:         models.StateReceived,
		ReceivedAt:    receivedAt,
		UpdatedAt:     receivedAt,
	}
	logger := utils.IncidentLogger(c.logger, inc.CorrelationID).With(
		slog.String("resource_key", inc.ResourceKey),
		slog.String("event_name", ev.EventName),
	)

	ctx, span := tracing.Tracer().Start(ctx, "incident.run", trace.WithAttributes(
		attribute.String("incident.correlation_id", inc.CorrelationID),
		attribute.String("incident.fingerprint", string(inc.Fingerprint)),
		attribute.String("incident.resource_key", inc.ResourceKey),
		attribute.String("incident.event_name", ev.EventName),
	))
	defer span.End()

	existing, err := c.projection.Begin(ctx, inc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin incident")
		return nil, fmt.Errorf("begin incident: %w", err)
	}
	if existing != nil {
		if !existing.State.Terminal() {
			return c.resume(ctx, existing, logger)
		}
		metrics.IncDuplicate()
		c.audit.Record(ctx, audit.Entry{
			Type:          audit.EventDuplicateEvent,
			CorrelationID: existing.CorrelationID,
			ResourceKey:   existing.ResourceKey,
			Detail:        "fingerprint " + string(existing.Fingerprint),
		})
		logger.Info("duplicate event dropped", slog.String("existing_correlation_id", existing.CorrelationID))
		span.SetAttributes(attribute.Bool("incident.duplicate", true))
		return existing, ErrDuplicateEvent
	}

	c.audit.Record(ctx, audit.Entry{
		Type:          audit.EventIncidentReceived,
		CorrelationID: inc.CorrelationID,
		ResourceKey:   inc.ResourceKey,
		Detail:        ev.EventName,
	})

	if err := c.projection.Transition(ctx, inc, models.StateAnalyzing); err != nil {
		span.RecordError(err)
		c.abandon(context.WithoutCancel(ctx), inc, err, logger)
		return inc, err
	}

	rc := agent.NewRunContext(inc.CorrelationID, inc.Fingerprint, inc.Event, receivedAt)
	rc, outcome := c.run(ctx, rc, inc, logger)

	c.apply(inc, rc, outcome)
	// Persistence and delivery outlive the pipeline deadline.
	persistCtx := context.WithoutCancel(ctx)
	if err := c.finish(persistCtx, inc, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize incident")
		if !errors.Is(err, errDeliveriesNotSaved) {
			c.abandon(persistCtx, inc, err, logger)
		}
		return inc, err
	}
	if inc.State == models.StateFailed {
		span.SetStatus(codes.Error, inc.FailureReason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("incident.state", string(inc.State)))
	return inc, nil
}

type stageReturn struct {
	analysis any
	err      error
}

// runOutcome summarises how the graph run ended.
type runOutcome struct {
	halted        bool
	failureReason string
}

func (c *Coordinator) run(ctx context.Context, rc *agent.RunContext, inc *models.Incident, logger *slog.Logger) (*agent.RunContext, runOutcome) {
	runCtx, cancel := context.WithTimeout(ctx, c.pipelineTimeout)
	defer cancel()

	var outcome runOutcome
	for _, wave := range c.graph.Waves() {
		if outcome.halted || runCtx.Err() != nil {
			if !outcome.halted {
				outcome.failureReason = reasonDeadline
			}
			rc = rc.With(skipped(wave, c.now())...)
			continue
		}

		results := c.runWave(runCtx, rc, wave, logger)
		rc = rc.With(results...)

		if triage, ok := resultFor(results, models.StageTriage); ok {
			if triage.Status != models.StageSuccess {
				outcome.halted = true
				outcome.failureReason = "triage failed: " + triage.Error
			} else if t, ok := triage.Analysis.(models.TriageAnalysis); ok && t.Noise {
				outcome.halted = true
				inc.Suppressed = true
				logger.Info("event suppressed as noise", slog.Int("severity", t.Severity))
			}
		}
		if !outcome.halted && runCtx.Err() != nil {
			outcome.failureReason = reasonDeadline
		}

		inc.Results = rc.Results()
		if err := c.projection.Save(context.WithoutCancel(ctx), inc); err != nil {
			logger.Warn("persist partial results failed", slog.Any("error", err))
		}
	}
	return rc, outcome
}

func (c *Coordinator) runWave(ctx context.Context, rc *agent.RunContext, wave []models.StageName, logger *slog.Logger) []models.AgentResult {
	results := make([]models.AgentResult, len(wave))
	var wg sync.WaitGroup
	for i, stage := range wave {
		node, _ := c.graph.Node(stage)
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			results[i] = c.runStage(ctx, rc, node, logger)
		}(i, node)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runStage(ctx context.Context, rc *agent.RunContext, node Node, logger *slog.Logger) (result models.AgentResult) {
	stage := node.Stage()
	logger = logger.With(slog.String("stage", string(stage)))
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = c.stageTimeout
	}

	ctx, span := tracing.Tracer().Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("stage.name", string(stage)),
		attribute.String("incident.correlation_id", rc.CorrelationID()),
	))
	defer span.End()

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.now().UTC()
	clock := time.Now()
	result = models.AgentResult{Stage: stage, StartedAt: started}

	defer func() {
		elapsed := time.Since(clock)
		result.DurationMs = utils.Millis(elapsed)
		metrics.ObserveStage(string(stage), string(result.Status), elapsed)
		c.audit.Record(ctx, audit.Entry{
			Type:          audit.EventStageCompleted,
			CorrelationID: rc.CorrelationID(),
			Stage:         string(stage),
			Status:        string(result.Status),
			Detail:        result.Error,
		})
		if result.Status == models.StageSuccess {
			span.SetStatus(codes.Ok, "")
			logger.Debug("stage completed", slog.Int64("duration_ms", result.DurationMs))
			return
		}
		span.SetStatus(codes.Error, result.Error)
		logger.Warn("stage failed", slog.String("error", result.Error), slog.Int64("duration_ms", result.DurationMs))
	}()

	done := make(chan stageReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageReturn{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		analysis, err := node.Agent.Run(stageCtx, rc)
		done <- stageReturn{analysis: analysis, err: err}
	}()

	out := awaitStage(stageCtx, done)
	result.Analysis = out.analysis
	err := out.err
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("stage timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		result.Status = models.StageFailed
		result.Error = err.Error()
		return result
	}
	result.Status = models.StageSuccess
	return result
}

// awaitStage waits for the agent or the stage deadline. An agent that finished
// as the deadline fired keeps its output.
func awaitStage(ctx context.Context, done <-chan stageReturn) stageReturn {
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}
	select {
	case out := <-done:
		return out
	default:
		return stageReturn{err: ctx.Err()}
	}
}

// apply copies stage outputs onto the incident and picks the terminal state.
func (c *Coordinator) apply(inc *models.Incident, rc *agent.RunContext, outcome runOutcome) {
	inc.Results = rc.Results()

	if triage, ok := rc.Triage(); ok {
		inc.Severity = triage.Severity
		inc.Classification = triage.Classification
	}
	if risk, ok := rc.Risk(); ok {
		inc.Risk = risk
		metrics.ObserveRisk(risk.Score)
	}
	if decision, ok := rc.Remediation(); ok {
		inc.Remediation = decision
		metrics.ObserveRemediation(string(decision.Mechanism), string(decision.Status))
	}
	if r, ok := rc.Result(models.StageCommunications); ok && r.Status == models.StageSuccess {
		if comms, ok := r.Analysis.(models.CommunicationsAnalysis); ok {
			inc.Summary = comms.Summary
			inc.Dispatches = comms.Dispatches
		}
	}

	triageResult, _ := rc.Result(models.StageTriage)
	switch {
	case triageResult.Status != models.StageSuccess:
		inc.State = models.StateFailed
		inc.FailureReason = outcome.failureReason
		if inc.FailureReason == "" {
			inc.FailureReason = "triage did not complete"
		}
	case outcome.failureReason != "":
		inc.State = models.StateFailed
		inc.FailureReason = outcome.failureReason
	case inc.Remediation != nil && inc.Remediation.ApprovalRequired:
		inc.State = models.StatePendingApproval
	default:
		inc.State = models.StateCompleted
	}
}

func (c *Coordinator) finish(ctx context.Context, inc *models.Incident, logger *slog.Logger) error {
	c.auditDecision(ctx, inc)

	if err := c.projection.Finalize(ctx, inc); err != nil {
		logger.Error("finalize incident failed", slog.Any("error", err))
		return err
	}

	c.recordFinal(ctx, inc)
	logger.Info("incident finalized",
		slog.String("state", string(inc.State)),
		slog.Int("severity", inc.Severity),
		slog.Bool("suppressed", inc.Suppressed),
	)

	if len(inc.Dispatches) == 0 || c.notifier == nil {
		return nil
	}
	inc.Deliveries = c.deliver(ctx, inc.Dispatches, logger)
	if err := c.projection.Save(ctx, inc); err != nil {
		logger.Error("persist deliveries failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", errDeliveriesNotSaved, err)
	}
	return nil
}

// errDeliveriesNotSaved marks a failure after the incident was finalized.
var errDeliveriesNotSaved = errors.New("notification deliveries not saved")

// resume handles a redelivered event whose incident never reached a terminal
// state. An incident idle for longer than a full run is finalized as FAILED;
// a younger one is reported as still in progress.
func (c *Coordinator) resume(ctx context.Context, existing *models.Incident, logger *slog.Logger) (*models.Incident, error) {
	logger = logger.With(slog.String("existing_correlation_id", existing.CorrelationID))
	idle := c.now().Sub(existing.UpdatedAt)
	if idle <= c.pipelineTimeout+c.stageTimeout {
		logger.Info("incident still in progress", slog.String("state", string(existing.State)), slog.Duration("idle", idle))
		return existing, ErrIncidentInProgress
	}

	existing.State = models.StateFailed
	existing.FailureReason = reasonInterrupted
	if err := c.projection.Finalize(ctx, existing); err != nil {
		logger.Error("finalize interrupted incident failed", slog.Any("error", err))
		return existing, fmt.Errorf("finalize interrupted incident: %w", err)
	}
	c.recordFinal(ctx, existing)
	logger.Warn("interrupted incident finalized as failed", slog.Duration("idle", idle))
	metrics.IncDuplicate()
	return existing, ErrDuplicateEvent
}

// abandon makes one attempt to persist inc as FAILED after a write failed
// mid-run, so the stored record does not stay non-terminal.
func (c *Coordinator) abandon(ctx context.Context, inc *models.Incident, cause error, logger *slog.Logger) {
	inc.State = models.StateFailed
	inc.FailureReason = reasonInterrupted + ": " + cause.Error()
	if err := c.projection.Finalize(ctx, inc); err != nil {
		logger.Error("persist failed incident failed", slog.Any("error", err))
		return
	}
	c.recordFinal(ctx, inc)
	logger.Warn("incident finalized as failed after persistence error", slog.Any("error", cause))
}

func (c *Coordinator) recordFinal(ctx context.Context, inc *models.Incident) {
	duration := time.Duration(0)
	if inc.FinalizedAt != nil {
		duration = inc.FinalizedAt.Sub(inc.ReceivedAt)
	}
	metrics.ObserveIncident(string(inc.State), duration)
	c.audit.Record(ctx, audit.Entry{
		Type:          audit.EventIncidentFinalized,
		CorrelationID: inc.CorrelationID,
		ResourceKey:   inc.ResourceKey,
		Status:        string(inc.State),
		Detail:        inc.FailureReason,
		Attributes: map[string]any{
			"severity":   inc.Severity,
			"suppressed": inc.Suppressed,
		},
	})
}

func (c *Coordinator) deliver(ctx context.Context, requests []models.DispatchRequest, logger *slog.Logger) []models.NotificationDelivery {
	deliveries := make([]models.NotificationDelivery, 0, len(requests))
	for _, req := range requests {
		accepted, err := c.notifier.Send(ctx, req)
		d := models.NotificationDelivery{Audience: req.Audience, Channel: req.Channel, Accepted: accepted && err == nil}
		if err != nil {
			d.Error = err.Error()
			logger.Warn("notification failed", slog.String("channel", req.Channel), slog.Any("error", err))
		}
		metrics.ObserveNotification(req.Channel, d.Accepted)
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func (c *Coordinator) auditDecision(ctx context.Context, inc *models.Incident) {
	d := inc.Remediation
	if d == nil {
		return
	}
	entry := audit.Entry{
		CorrelationID: inc.CorrelationID,
		ResourceKey:   inc.ResourceKey,
		Stage:         string(models.StageRemediation),
		Status:        string(d.Status),
		Attributes: map[string]any{
			"mechanism":         string(d.Mechanism),
			"approval_required": d.ApprovalRequired,
		},
	}
	if inc.Risk != nil {
		entry.Attributes["risk_score"] = inc.Risk.Score
	}
	if d.Status == models.RemediationDispatched {
		entry.Type = audit.EventRemediationDispatched
		entry.Detail = d.ReferenceID
	} else {
		entry.Type = audit.EventGateDecision
		rules := make([]string, 0, len(d.Violations))
		for _, v := range d.Violations {
			rules = append(rules, v.Rule)
		}
		entry.Attributes["violations"] = rules
	}
	c.audit.Record(ctx, entry)
}

func skipped(stages []models.StageName, at time.Time) []models.AgentResult {
	out := make([]models.AgentResult, 0, len(stages))
	for _, s := range stages {
		out = append(out, models.AgentResult{Stage: s, Status: models.StageSkipped, StartedAt: at.UTC()})
	}
	return out
}

func resultFor(results []models.AgentResult, stage models.StageName) (models.AgentResult, bool) {
	for _, r := range results {
		if r.Stage == stage {
			return r, true
		}
	}
	return models.AgentResult{}, false
}
