package agent

import (
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// RunContext is the accumulated, read-only view of one incident run. With
// returns a new context; existing values are never modified.
type RunContext struct {
	correlationID string
	fingerprint   models.Fingerprint
	event         models.Event
	receivedAt    time.Time
	order         []models.StageName
	results       map[models.StageName]models.AgentResult
}

// NewRunContext starts a run for ev.
func NewRunContext(correlationID string, fingerprint models.Fingerprint, ev models.Event, receivedAt time.Time) *RunContext {
	return &RunContext{
		correlationID: correlationID,
		fingerprint:   fingerprint,
		event:         ev.Clone(),
		receivedAt:    receivedAt,
		results:       map[models.StageName]models.AgentResult{},
	}
}

func (rc *RunContext) CorrelationID() string           { return rc.correlationID }
func (rc *RunContext) Fingerprint() models.Fingerprint { return rc.fingerprint }
func (rc *RunContext) ReceivedAt() time.Time           { return rc.receivedAt }

// Event returns a copy of the triggering event.
func (rc *RunContext) Event() models.Event { return rc.event.Clone() }

// With returns a context extended with results. A stage already present is
// kept as recorded.
func (rc *RunContext) With(results ...models.AgentResult) *RunContext {
	next := &RunContext{
		correlationID: rc.correlationID,
		fingerprint:   rc.fingerprint,
		event:         rc.event,
		receivedAt:    rc.receivedAt,
		order:         append([]models.StageName(nil), rc.order...),
		results:       make(map[models.StageName]models.AgentResult, len(rc.results)+len(results)),
	}
	for k, v := range rc.results {
		next.results[k] = v
	}
	for _, r := range results {
		if _, exists := next.results[r.Stage]; exists {
			continue
		}
		next.results[r.Stage] = r
		next.order = append(next.order, r.Stage)
	}
	return next
}

// Result returns the recorded result of a stage.
func (rc *RunContext) Result(stage models.StageName) (models.AgentResult, bool) {
	r, ok := rc.results[stage]
	return r, ok
}

// Results returns all results in completion order.
func (rc *RunContext) Results() []models.AgentResult {
	out := make([]models.AgentResult, 0, len(rc.order))
	for _, stage := range rc.order {
		out = append(out, rc.results[stage])
	}
	return out
}

// Triage returns the triage analysis when the stage succeeded.
func (rc *RunContext) Triage() (*models.TriageAnalysis, bool) {
	return analysisOf[models.TriageAnalysis](rc, models.StageTriage)
}

// Telemetry returns the telemetry analysis when the stage succeeded.
func (rc *RunContext) Telemetry() (*models.TelemetryAnalysis, bool) {
	return analysisOf[models.TelemetryAnalysis](rc, models.StageTelemetry)
}

// Guardrails returns the guardrail inputs when the stage succeeded.
func (rc *RunContext) Guardrails() (*models.GuardrailInputs, bool) {
	return analysisOf[models.GuardrailInputs](rc, models.StageGuardrailInputs)
}

// Risk returns the risk assessment when the stage succeeded.
func (rc *RunContext) Risk() (*models.RiskAssessment, bool) {
	return analysisOf[models.RiskAssessment](rc, models.StageRisk)
}

// Remediation returns the remediation decision, including one recorded by a
// failed dispatch.
func (rc *RunContext) Remediation() (*models.RemediationDecision, bool) {
	r, ok := rc.results[models.StageRemediation]
	if !ok {
		return nil, false
	}
	d, ok := r.Analysis.(models.RemediationDecision)
	if !ok {
		return nil, false
	}
	return &d, true
}

func analysisOf[T any](rc *RunContext, stage models.StageName) (*T, bool) {
	r, ok := rc.results[stage]
	if !ok || r.Status != models.StageSuccess {
		return nil, false
	}
	v, ok := r.Analysis.(T)
	if !ok {
		return nil, false
	}
	return &v, true
}
