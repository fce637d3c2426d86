package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/analysis"
	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

const similarRunbookLimit = 3

var defaultSteps = map[models.RemediationMechanism][]string{
	models.MechanismInfrastructureApply: {
		"Review the drift between the live resource and its infrastructure definition",
		"Run the infrastructure apply job for the affected stack",
	},
	models.MechanismAutomationDocument: {
		"Select the recovery automation document for the resource type",
		"Execute the document against the affected resource and watch its status",
	},
	models.MechanismFunctionInvocation: {
		"Invoke the recovery function with the resource identifier",
		"Confirm the function reports success in its execution log",
	},
}

// RunbookPlanner assembles remediation steps. Recalled runbooks win over the
// rule pack, which wins over the built-in steps per mechanism.
type RunbookPlanner struct {
	index    RunbookIndex
	rules    *RuleEngine
	analyzer analysis.Analyzer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRunbookPlanner builds a planner. Every collaborator is optional.
func NewRunbookPlanner(index RunbookIndex, rules *RuleEngine, analyzer analysis.Analyzer, timeout time.Duration, logger *slog.Logger) *RunbookPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunbookPlanner{index: index, rules: rules, analyzer: analyzer, timeout: timeout, logger: logger}
}

// Plan returns ordered steps and a short narrative explaining them for an
// approver.
func (p *RunbookPlanner) Plan(ctx context.Context, ev models.Event, triage *models.TriageAnalysis, risk *models.RiskAssessment, mechanism models.RemediationMechanism) ([]string, string) {
	steps := p.Steps(ctx, ev, triage, mechanism)

	req := analysis.Request{
		Task:         analysis.TaskRunbookNarrative,
		Instructions: "Explain in at most three sentences why these remediation steps fit the incident and what an approver should check first.",
		Payload: map[string]any{
			"event":     ev,
			"triage":    triage,
			"risk":      risk,
			"mechanism": mechanism,
			"steps":     steps,
		},
	}
	narrative, _ := analysis.WithFallback(ctx, p.analyzer, p.timeout, req, func() string {
		return templateNarrative(ev, mechanism, risk)
	}, p.logger)
	return steps, narrative
}

// Steps returns the ordered steps without consulting the analysis backend.
func (p *RunbookPlanner) Steps(ctx context.Context, ev models.Event, triage *models.TriageAnalysis, mechanism models.RemediationMechanism) []string {
	var classification models.Classification
	if triage != nil {
		classification = triage.Classification
	}

	steps := p.recall(ctx, ev)
	if len(steps) == 0 {
		steps = p.rules.Recommend(ev, classification, mechanism)
	}
	if len(steps) == 0 {
		steps = append([]string(nil), defaultSteps[mechanism]...)
	}
	return steps
}

// Remember stores the steps of a dispatched remediation for later recall.
func (p *RunbookPlanner) Remember(ctx context.Context, correlationID string, ev models.Event, mechanism models.RemediationMechanism, steps []string, at time.Time) {
	if p.index == nil || len(steps) == 0 {
		return
	}
	err := p.index.StoreRunbook(ctx, repo.RunbookRecord{
		CorrelationID: correlationID,
		ResourceType:  ev.ResourceType,
		EventName:     ev.EventName,
		Mechanism:     string(mechanism),
		Steps:         steps,
		CreatedAt:     at,
	})
	if err != nil {
		p.logger.Warn("store runbook failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
}

func (p *RunbookPlanner) recall(ctx context.Context, ev models.Event) []string {
	if p.index == nil {
		return nil
	}
	records, err := p.index.SimilarRunbooks(ctx, ev.ResourceType, ev.EventName, similarRunbookLimit)
	if err != nil {
		p.logger.Warn("runbook recall failed", slog.String("resource_type", ev.ResourceType), slog.Any("error", err))
		return nil
	}
	var steps []string
	for _, rec := range records {
		steps = appendUnique(steps, rec.Steps...)
	}
	return steps
}

func templateNarrative(ev models.Event, mechanism models.RemediationMechanism, risk *models.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s %s is handled through %s.", ev.EventName, ev.ResourceType, ev.ResourceID, strings.ReplaceAll(string(mechanism), "_", " "))
	if risk == nil {
		b.WriteString(" Risk could not be assessed, so approval is required.")
		return b.String()
	}
	fmt.Fprintf(&b, " Risk score %.2f with %s blast radius.", risk.Score, risk.BlastRadius)
	if len(risk.UnknownFactors) > 0 {
		fmt.Fprintf(&b, " Unknown inputs: %s.", strings.Join(risk.UnknownFactors, ", "))
	}
	return b.String()
}
