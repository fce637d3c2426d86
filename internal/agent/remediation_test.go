package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/analysis"
	"github.com/miradorstack/mirador-responder/internal/cache"
	"github.com/miradorstack/mirador-responder/internal/ledger"
	"github.com/miradorstack/mirador-responder/internal/models"
)

type remediationFixture struct {
	agent      *RemediationAgent
	ledger     *ledger.CooldownLedger
	dispatcher *fakeDispatcher
}

func newRemediationFixture(store cache.Provider, receipt models.DispatchReceipt, dispatchErr error) remediationFixture {
	l := ledger.NewCooldownLedger(store, ledger.Options{Window: 5 * time.Minute})
	d := &fakeDispatcher{receipt: receipt, err: dispatchErr}
	a := NewRemediationAgent(l,
		map[models.RemediationMechanism]Dispatcher{models.MechanismAutomationDocument: d},
		nil,
		RemediationOptions{
			Mechanisms:          map[string]models.RemediationMechanism{"ec2": models.MechanismAutomationDocument},
			ConfidenceThreshold: 0.7,
			Now:                 func() time.Time { return eventTime },
		})
	return remediationFixture{agent: a, ledger: l, dispatcher: d}
}

func remediationRun(correlationID string, confidence float64, risk *models.RiskAssessment) *RunContext {
	rc := NewRunContext(correlationID, models.Fingerprint("fp-"+correlationID), testEvent(), eventTime).
		With(success(models.StageTriage, models.TriageAnalysis{Classification: models.ClassificationMedium, Severity: 6, Confidence: confidence}))
	if risk != nil {
		rc = rc.With(success(models.StageRisk, *risk))
	}
	return rc
}

func lowRisk() *models.RiskAssessment {
	return &models.RiskAssessment{Score: 0.4, BlastRadius: models.BlastLocalized}
}

func decide(t *testing.T, f remediationFixture, rc *RunContext) (models.RemediationDecision, error) {
	t.Helper()
	out, err := f.agent.Run(context.Background(), rc)
	decision, ok := out.(models.RemediationDecision)
	require.True(t, ok)
	return decision, err
}

func TestRemediationDispatchThenCooldown(t *testing.T) {
	f := newRemediationFixture(cache.NewMemoryProvider(nil), models.DispatchReceipt{Accepted: true, ReferenceID: "exec-1"}, nil)

	first, err := decide(t, f, remediationRun("a", 0.9, lowRisk()))
	require.NoError(t, err)
	assert.Equal(t, models.RemediationDispatched, first.Status)
	assert.Equal(t, "exec-1", first.ReferenceID)
	assert.Equal(t, models.MechanismAutomationDocument, first.Mechanism)
	assert.NotEmpty(t, first.Runbook)

	second, err := decide(t, f, remediationRun("b", 0.9, lowRisk()))
	require.NoError(t, err)
	assert.Equal(t, models.RemediationSuppressedCooldown, second.Status)
	assert.False(t, second.LedgerUnavailable)
	assert.Equal(t, 1, f.dispatcher.Calls(), "suppressed attempt must not dispatch")
}

func TestRemediationApprovalGates(t *testing.T) {
	cases := map[string]struct {
		confidence float64
		risk       *models.RiskAssessment
		rule       string
	}{
		"risk above threshold": {confidence: 0.9, risk: &models.RiskAssessment{Score: 0.7, ApprovalRequired: true}, rule: RuleRiskThreshold},
		"risk missing":         {confidence: 0.9, risk: nil, rule: RuleRiskMissing},
		"low confidence":       {confidence: 0.6, risk: lowRisk(), rule: RuleLowConfidence},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newRemediationFixture(cache.NewMemoryProvider(nil), models.DispatchReceipt{Accepted: true}, nil)
			got, err := decide(t, f, remediationRun("a", tc.confidence, tc.risk))
			require.NoError(t, err)
			assert.Equal(t, models.RemediationPendingApproval, got.Status)
			assert.True(t, got.ApprovalRequired)
			assert.NotEmpty(t, got.Runbook)
			assert.NotEmpty(t, got.Narrative)
			require.NotEmpty(t, got.Violations)
			assert.Equal(t, tc.rule, got.Violations[0].Rule)
			assert.Zero(t, f.dispatcher.Calls())

			in, err := f.ledger.IsInCooldown(context.Background(), "ec2#i-0abc", eventTime)
			require.NoError(t, err)
			assert.False(t, in, "pending approval must not consume the cooldown window")
		})
	}
}

func TestRemediationTransportErrorReleasesReservation(t *testing.T) {
	f := newRemediationFixture(cache.NewMemoryProvider(nil), models.DispatchReceipt{}, errors.New("dial tcp: refused"))

	got, err := decide(t, f, remediationRun("a", 0.9, lowRisk()))
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, models.RemediationDispatchFailed, got.Status)

	in, err := f.ledger.IsInCooldown(context.Background(), "ec2#i-0abc", eventTime)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestRemediationRejectedDispatch(t *testing.T) {
	f := newRemediationFixture(cache.NewMemoryProvider(nil), models.DispatchReceipt{Accepted: false}, nil)

	got, err := decide(t, f, remediationRun("a", 0.9, lowRisk()))
	require.NoError(t, err)
	assert.Equal(t, models.RemediationDispatchRejected, got.Status)

	in, err := f.ledger.IsInCooldown(context.Background(), "ec2#i-0abc", eventTime)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestRemediationLedgerUnavailableFailsClosed(t *testing.T) {
	f := newRemediationFixture(brokenStore{}, models.DispatchReceipt{Accepted: true}, nil)

	got, err := decide(t, f, remediationRun("a", 0.9, lowRisk()))
	require.NoError(t, err)
	assert.Equal(t, models.RemediationSuppressedCooldown, got.Status)
	assert.True(t, got.LedgerUnavailable)
	assert.Zero(t, f.dispatcher.Calls())
}

func TestRemediationMechanismSelection(t *testing.T) {
	a := NewRemediationAgent(nil, nil, nil, RemediationOptions{Mechanisms: map[string]models.RemediationMechanism{
		"EC2":    models.MechanismAutomationDocument,
		"lambda": models.MechanismFunctionInvocation,
	}})
	assert.Equal(t, models.MechanismAutomationDocument, a.Mechanism("ec2"))
	assert.Equal(t, models.MechanismFunctionInvocation, a.Mechanism("Lambda"))
	assert.Equal(t, models.MechanismInfrastructureApply, a.Mechanism("s3"))
}

func TestRemediationUnconfiguredBackendRequiresApproval(t *testing.T) {
	l := ledger.NewCooldownLedger(cache.NewMemoryProvider(nil), ledger.Options{Window: 5 * time.Minute})
	a := NewRemediationAgent(l, nil, nil, RemediationOptions{ConfidenceThreshold: 0.7, Now: func() time.Time { return eventTime }})

	out, err := a.Run(context.Background(), remediationRun("a", 0.9, lowRisk()))
	require.NoError(t, err)
	decision := out.(models.RemediationDecision)
	assert.Equal(t, models.RemediationPendingApproval, decision.Status)
	assert.True(t, decision.ApprovalRequired)
	require.Len(t, decision.Violations, 1)
	assert.Equal(t, RuleNoBackend, decision.Violations[0].Rule)
	assert.NotEmpty(t, decision.Runbook)

	inCooldown, err := l.IsInCooldown(context.Background(), testEvent().ResourceKey(), eventTime)
	require.NoError(t, err)
	assert.False(t, inCooldown, "no reservation is taken for a gated action")
}

type countingAnalyzer struct {
	calls atomic.Int32
}

func (c *countingAnalyzer) Analyze(context.Context, analysis.Request) (string, error) {
	c.calls.Add(1)
	return "check the instance state first", nil
}

func TestRemediationDispatchSkipsNarrative(t *testing.T) {
	analyzer := &countingAnalyzer{}
	planner := NewRunbookPlanner(nil, nil, analyzer, time.Second, nil)
	d := &fakeDispatcher{receipt: models.DispatchReceipt{Accepted: true, ReferenceID: "exec-1"}}
	a := NewRemediationAgent(
		ledger.NewCooldownLedger(cache.NewMemoryProvider(nil), ledger.Options{Window: 5 * time.Minute}),
		map[models.RemediationMechanism]Dispatcher{models.MechanismAutomationDocument: d},
		planner,
		RemediationOptions{
			Mechanisms:          map[string]models.RemediationMechanism{"ec2": models.MechanismAutomationDocument},
			ConfidenceThreshold: 0.7,
			Now:                 func() time.Time { return eventTime },
		})

	out, err := a.Run(context.Background(), remediationRun("a", 0.9, lowRisk()))
	require.NoError(t, err)
	decision := out.(models.RemediationDecision)
	assert.Equal(t, models.RemediationDispatched, decision.Status)
	assert.NotEmpty(t, decision.Runbook)
	assert.Empty(t, decision.Narrative)
	assert.Zero(t, analyzer.calls.Load())

	out, err = a.Run(context.Background(), remediationRun("b", 0.9, &models.RiskAssessment{Score: 0.7, ApprovalRequired: true, BlastRadius: models.BlastGlobal}))
	require.NoError(t, err)
	decision = out.(models.RemediationDecision)
	assert.Equal(t, models.RemediationPendingApproval, decision.Status)
	assert.Equal(t, "check the instance state first", decision.Narrative)
	assert.EqualValues(t, 1, analyzer.calls.Load())
}
