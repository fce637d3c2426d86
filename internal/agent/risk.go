package agent

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
)

// BlastEstimator resolves the blast radius of a resource.
type BlastEstimator interface {
	Estimate(resourceType string, health *float64) (models.BlastRadius, bool)
}

// RiskAgent scores an incident from the guardrail inputs and telemetry health.
type RiskAgent struct {
	blast  BlastEstimator
	logger *slog.Logger
}

// NewRiskAgent builds the risk stage.
func NewRiskAgent(blast BlastEstimator, logger *slog.Logger) *RiskAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskAgent{blast: blast, logger: logger}
}

func (a *RiskAgent) Stage() models.StageName { return models.StageRisk }

func (a *RiskAgent) Run(_ context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()

	var health *float64
	if tel, ok := rc.Telemetry(); ok {
		h := tel.Health
		health = &h
	}

	radius := models.BlastGlobal
	if a.blast != nil {
		radius, _ = a.blast.Estimate(ev.ResourceType, health)
	}

	in := policy.Inputs{BlastRadius: radius}
	if g, ok := rc.Guardrails(); ok {
		in.ChangeWindowBlocked = g.ChangeWindowBlocked
		in.ComplianceViolation = g.ComplianceViolation
		in.SLOExhausted = g.SLOExhausted
	}

	assessment := policy.Evaluate(in)
	if health == nil {
		assessment.UnknownFactors = append(assessment.UnknownFactors, policy.FactorHealth)
	}
	a.logger.Debug("risk evaluated",
		slog.String("correlation_id", rc.CorrelationID()),
		slog.Float64("score", assessment.Score),
		slog.Bool("approval_required", assessment.ApprovalRequired),
		slog.String("blast_radius", string(assessment.BlastRadius)),
	)
	return assessment, nil
}
