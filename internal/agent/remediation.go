package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
)

// Gate rule names reported as policy violations.
const (
	RuleRiskThreshold = "risk_threshold"
	RuleRiskMissing   = "risk_missing"
	RuleLowConfidence = "low_confidence"
	RuleCooldown      = "cooldown"
	RuleLedgerDown    = "ledger_unavailable"
	RuleNoBackend     = "backend_unconfigured"
)

// RemediationOptions configure gating and mechanism selection. Resource types
// missing from Mechanisms use infrastructure_apply.
type RemediationOptions struct {
	Mechanisms          map[string]models.RemediationMechanism
	ConfidenceThreshold float64
	Now                 func() time.Time
	Logger              *slog.Logger
}

// RemediationAgent decides whether to act automatically and dispatches the
// action when it may.
type RemediationAgent struct {
	ledger      Ledger
	dispatchers map[models.RemediationMechanism]Dispatcher
	planner     *RunbookPlanner
	mechanisms  map[string]models.RemediationMechanism
	confidence  float64
	now         func() time.Time
	logger      *slog.Logger
}

// NewRemediationAgent builds the remediation stage.
func NewRemediationAgent(l Ledger, dispatchers map[models.RemediationMechanism]Dispatcher, planner *RunbookPlanner, opts RemediationOptions) *RemediationAgent {
	mechanisms := make(map[string]models.RemediationMechanism, len(opts.Mechanisms))
	for k, v := range opts.Mechanisms {
		mechanisms[strings.ToLower(k)] = v
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if planner == nil {
		planner = NewRunbookPlanner(nil, nil, nil, 0, logger)
	}
	return &RemediationAgent{
		ledger:      l,
		dispatchers: dispatchers,
		planner:     planner,
		mechanisms:  mechanisms,
		confidence:  opts.ConfidenceThreshold,
		now:         opts.Now,
		logger:      logger,
	}
}

func (a *RemediationAgent) Stage() models.StageName { return models.StageRemediation }

// Mechanism returns the backend family used for resourceType.
func (a *RemediationAgent) Mechanism(resourceType string) models.RemediationMechanism {
	if m, ok := a.mechanisms[strings.ToLower(resourceType)]; ok {
		return m
	}
	return models.MechanismInfrastructureApply
}

func (a *RemediationAgent) Run(ctx context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()
	triage, _ := rc.Triage()
	risk, hasRisk := rc.Risk()
	mechanism := a.Mechanism(ev.ResourceType)
	key := ev.ResourceKey()

	decision := models.RemediationDecision{
		Mechanism: mechanism,
		Parameters: map[string]string{
			"resource_id":    ev.ResourceID,
			"event_name":     ev.EventName,
			"correlation_id": rc.CorrelationID(),
			"fingerprint":    string(rc.Fingerprint()),
		},
	}

	if violations := a.gates(triage, risk, hasRisk, mechanism); len(violations) > 0 {
		decision.Status = models.RemediationPendingApproval
		decision.ApprovalRequired = true
		decision.Violations = violations
		decision.Runbook, decision.Narrative = a.planner.Plan(ctx, ev, triage, risk, mechanism)
		return decision, nil
	}

	if a.ledger == nil {
		return a.suppress(decision, true, "cooldown ledger not configured"), nil
	}
	now := a.now()
	inCooldown, err := a.ledger.IsInCooldown(ctx, key, now)
	if err != nil {
		a.logger.Warn("cooldown ledger read failed", slog.String("resource_key", key), slog.Any("error", err))
		if inCooldown {
			return a.suppress(decision, true, err.Error()), nil
		}
		decision.LedgerUnavailable = true
	} else if inCooldown {
		return a.suppress(decision, false, "resource remediated inside the cooldown window"), nil
	}

	reserved, err := a.ledger.Reserve(ctx, key, now)
	if err != nil {
		a.logger.Warn("cooldown reservation failed", slog.String("resource_key", key), slog.Any("error", err))
		decision.LedgerUnavailable = true
		if !reserved {
			return a.suppress(decision, true, err.Error()), nil
		}
	} else if !reserved {
		return a.suppress(decision, false, "another remediation holds the cooldown window"), nil
	}

	decision.Runbook = a.planner.Steps(ctx, ev, triage, mechanism)

	receipt, err := a.dispatchers[mechanism].Dispatch(ctx, ev.ResourceType, decision.Parameters)
	if err != nil {
		a.release(ctx, key)
		decision.Status = models.RemediationDispatchFailed
		return decision, &DispatchError{Stage: models.StageRemediation, Target: string(mechanism), Err: err}
	}
	if !receipt.Accepted {
		a.release(ctx, key)
		decision.Status = models.RemediationDispatchRejected
		return decision, nil
	}

	if err := a.ledger.RecordRemediation(ctx, key, now); err != nil {
		// The reservation still covers the window.
		a.logger.Warn("record remediation failed", slog.String("resource_key", key), slog.Any("error", err))
	}
	decision.Status = models.RemediationDispatched
	decision.ReferenceID = receipt.ReferenceID
	a.planner.Remember(ctx, rc.CorrelationID(), ev, mechanism, decision.Runbook, now)
	return decision, nil
}

func (a *RemediationAgent) gates(triage *models.TriageAnalysis, risk *models.RiskAssessment, hasRisk bool, mechanism models.RemediationMechanism) []models.PolicyViolation {
	var violations []models.PolicyViolation
	switch {
	case !hasRisk || risk == nil:
		violations = append(violations, models.PolicyViolation{Rule: RuleRiskMissing, Detail: "risk assessment unavailable"})
	case risk.ApprovalRequired:
		violations = append(violations, models.PolicyViolation{
			Rule:   RuleRiskThreshold,
			Detail: fmt.Sprintf("risk score %.2f exceeds %.2f", risk.Score, policy.ApprovalThreshold),
		})
	}
	if triage == nil || triage.Confidence < a.confidence {
		confidence := 0.0
		if triage != nil {
			confidence = triage.Confidence
		}
		violations = append(violations, models.PolicyViolation{
			Rule:   RuleLowConfidence,
			Detail: fmt.Sprintf("triage confidence %.2f below %.2f", confidence, a.confidence),
		})
	}
	if a.dispatchers[mechanism] == nil {
		violations = append(violations, models.PolicyViolation{
			Rule:   RuleNoBackend,
			Detail: fmt.Sprintf("no %s backend configured", mechanism),
		})
	}
	return violations
}

func (a *RemediationAgent) suppress(decision models.RemediationDecision, ledgerDown bool, detail string) models.RemediationDecision {
	decision.Status = models.RemediationSuppressedCooldown
	rule := RuleCooldown
	if ledgerDown {
		rule = RuleLedgerDown
		decision.LedgerUnavailable = true
	}
	decision.Violations = append(decision.Violations, models.PolicyViolation{Rule: rule, Detail: detail})
	return decision
}

func (a *RemediationAgent) release(ctx context.Context, key string) {
	if err := a.ledger.Release(ctx, key); err != nil {
		a.logger.Warn("release cooldown reservation failed", slog.String("resource_key", key), slog.Any("error", err))
	}
}
