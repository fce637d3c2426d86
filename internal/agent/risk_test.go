package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/policy"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

func TestGuardrailCollectsAllSignals(t *testing.T) {
	a := NewGuardrailAgent(fixedCalendar(true), fakeCompliance{reasons: nil}, fakeSLO{status: repo.SLOStatus{BudgetRemaining: 0.3}}, GuardrailOptions{})
	out, err := a.Run(context.Background(), newRun(testEvent()))
	require.NoError(t, err)

	got := out.(models.GuardrailInputs)
	require.NotNil(t, got.ChangeWindowBlocked)
	require.NotNil(t, got.ComplianceViolation)
	require.NotNil(t, got.SLOExhausted)
	assert.True(t, *got.ChangeWindowBlocked)
	assert.False(t, *got.ComplianceViolation)
	assert.False(t, *got.SLOExhausted)
	assert.Empty(t, got.Errors)
}

func TestGuardrailFailuresBecomeUnknown(t *testing.T) {
	a := NewGuardrailAgent(nil,
		fakeCompliance{err: errors.New("opa: undefined")},
		fakeSLO{delay: time.Second},
		GuardrailOptions{LookupTimeout: 20 * time.Millisecond})

	start := time.Now()
	out, err := a.Run(context.Background(), newRun(testEvent()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a hung lookup must not hold the stage")

	got := out.(models.GuardrailInputs)
	assert.Nil(t, got.ChangeWindowBlocked)
	assert.Nil(t, got.ComplianceViolation)
	assert.Nil(t, got.SLOExhausted)
	assert.Len(t, got.Errors, 3)
}

func riskRun(health *float64, inputs *models.GuardrailInputs) *RunContext {
	rc := newRun(testEvent())
	if health != nil {
		rc = rc.With(success(models.StageTelemetry, models.TelemetryAnalysis{Health: *health}))
	}
	if inputs != nil {
		rc = rc.With(success(models.StageGuardrailInputs, *inputs))
	}
	return rc
}

func TestRiskAgentScoresKnownInputs(t *testing.T) {
	blast := policy.NewBlastEstimator(map[string]string{"ec2": "localized"}, 0.4)
	yes, no := true, false
	healthy := 0.9

	out, err := NewRiskAgent(blast, nil).Run(context.Background(), riskRun(&healthy, &models.GuardrailInputs{
		ChangeWindowBlocked: &yes, ComplianceViolation: &no, SLOExhausted: &no,
	}))
	require.NoError(t, err)

	got := out.(models.RiskAssessment)
	assert.Equal(t, 0.4, got.Score)
	assert.False(t, got.ApprovalRequired)
	assert.Equal(t, models.BlastLocalized, got.BlastRadius)
	assert.Empty(t, got.UnknownFactors)
}

func TestRiskAgentMissingSignalsFailSafe(t *testing.T) {
	blast := policy.NewBlastEstimator(map[string]string{"ec2": "localized"}, 0.4)

	out, err := NewRiskAgent(blast, nil).Run(context.Background(), riskRun(nil, nil))
	require.NoError(t, err)

	got := out.(models.RiskAssessment)
	assert.Equal(t, models.BlastRegional, got.BlastRadius, "unknown health escalates one level")
	assert.Equal(t, 1.0, got.Score)
	assert.True(t, got.ApprovalRequired)
	assert.Contains(t, got.UnknownFactors, policy.FactorHealth)
	assert.Contains(t, got.UnknownFactors, policy.FactorCompliance)
}

func TestRiskAgentIgnoresRegionalContext(t *testing.T) {
	blast := policy.NewBlastEstimator(map[string]string{"ec2": "localized"}, 0.4)
	no := false
	healthy := 0.9
	inputs := &models.GuardrailInputs{ChangeWindowBlocked: &no, ComplianceViolation: &no, SLOExhausted: &no}

	local, err := NewRiskAgent(blast, nil).Run(context.Background(), riskRun(&healthy, inputs))
	require.NoError(t, err)

	ev := testEvent()
	ev.RegionalContext = &models.RegionalContext{OriginRegion: "ap-south-1", ForwardedAt: eventTime}
	rc := NewRunContext("corr-2", "fp-2", ev, eventTime).
		With(success(models.StageTelemetry, models.TelemetryAnalysis{Health: healthy})).
		With(success(models.StageGuardrailInputs, *inputs))
	forwarded, err := NewRiskAgent(blast, nil).Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, local, forwarded)
}
