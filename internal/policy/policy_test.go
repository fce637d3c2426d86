package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/config"
	"github.com/miradorstack/mirador-responder/internal/models"
)

func known(v bool) *bool { return &v }

func TestScoreExamples(t *testing.T) {
	tests := []struct {
		name     string
		in       Inputs
		score    float64
		approval bool
	}{
		{
			name:  "change window on localized resource",
			in:    Inputs{ChangeWindowBlocked: known(true), ComplianceViolation: known(false), SLOExhausted: known(false), BlastRadius: models.BlastLocalized},
			score: 0.4,
		},
		{
			name:     "compliance violation on global resource",
			in:       Inputs{ChangeWindowBlocked: known(false), ComplianceViolation: known(true), SLOExhausted: known(false), BlastRadius: models.BlastGlobal},
			score:    0.7,
			approval: true,
		},
		{
			name:  "exactly at threshold",
			in:    Inputs{ChangeWindowBlocked: known(true), ComplianceViolation: known(false), SLOExhausted: known(false), BlastRadius: models.BlastRegional},
			score: 0.5,
		},
		{
			name:  "nothing wrong",
			in:    Inputs{ChangeWindowBlocked: known(false), ComplianceViolation: known(false), SLOExhausted: known(false), BlastRadius: models.BlastLocalized},
			score: 0.1,
		},
		{
			name:     "everything wrong clamps",
			in:       Inputs{ChangeWindowBlocked: known(true), ComplianceViolation: known(true), SLOExhausted: known(true), BlastRadius: models.BlastGlobal},
			score:    1,
			approval: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.in)
			assert.Equal(t, tc.score, got.Score)
			assert.Equal(t, tc.approval, got.ApprovalRequired)
			assert.Empty(t, got.UnknownFactors)
		})
	}
}

func TestScoreIsPure(t *testing.T) {
	first := Score(true, false, true, models.BlastRegional)
	for i := 0; i < 1000; i++ {
		require.Equal(t, first, Score(true, false, true, models.BlastRegional))
	}
	assert.Equal(t, 0.7, first)
}

func TestApprovalBoundary(t *testing.T) {
	assert.False(t, ApprovalRequired(0.5))
	assert.True(t, ApprovalRequired(0.51))
	assert.False(t, ApprovalRequired(0.49))
}

func TestUnknownInputsResolveToWorstCase(t *testing.T) {
	got := Evaluate(Inputs{ChangeWindowBlocked: known(false), SLOExhausted: known(false), BlastRadius: models.BlastLocalized})
	assert.True(t, got.ComplianceViolation)
	assert.Equal(t, 0.5, got.Score)
	assert.False(t, got.ApprovalRequired)
	assert.Equal(t, []string{FactorCompliance}, got.UnknownFactors)

	got = Evaluate(Inputs{BlastRadius: models.BlastRadius("")})
	assert.True(t, got.ChangeWindowBlocked)
	assert.True(t, got.SLOExhausted)
	assert.Equal(t, models.BlastGlobal, got.BlastRadius)
	assert.Equal(t, 1.0, got.Score)
	assert.True(t, got.ApprovalRequired)
	assert.ElementsMatch(t, []string{FactorChangeWindow, FactorCompliance, FactorSLO, FactorBlastRadius}, got.UnknownFactors)
}

func TestChangeCalendarDefaultFridayEvening(t *testing.T) {
	cal, err := NewChangeCalendar([]config.ChangeWindow{{Day: "friday", StartHour: 16, EndHour: 23}}, "UTC")
	require.NoError(t, err)

	friday := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Friday, friday.Weekday())

	assert.False(t, cal.Blocked(friday.Add(15*time.Hour+59*time.Minute)))
	assert.True(t, cal.Blocked(friday.Add(16*time.Hour)))
	assert.True(t, cal.Blocked(friday.Add(22*time.Hour+59*time.Minute)))
	assert.False(t, cal.Blocked(friday.Add(23*time.Hour)))
	assert.False(t, cal.Blocked(friday.Add(24*time.Hour+17*time.Hour)))
}

func TestChangeCalendarUsesConfiguredZone(t *testing.T) {
	cal, err := NewChangeCalendar([]config.ChangeWindow{{Day: "fri", StartHour: 16, EndHour: 23}}, "America/New_York")
	require.NoError(t, err)

	// 21:00 UTC on a June Friday is 17:00 in New York.
	assert.True(t, cal.Blocked(time.Date(2025, 6, 6, 21, 0, 0, 0, time.UTC)))
	// 16:30 UTC is 12:30 in New York.
	assert.False(t, cal.Blocked(time.Date(2025, 6, 6, 16, 30, 0, 0, time.UTC)))
}

func TestChangeCalendarRejectsBadInput(t *testing.T) {
	_, err := NewChangeCalendar(nil, "Nowhere/Land")
	require.Error(t, err)
	_, err = NewChangeCalendar([]config.ChangeWindow{{Day: "someday"}}, "UTC")
	require.Error(t, err)
}

func TestBlastEstimator(t *testing.T) {
	e := NewBlastEstimator(map[string]string{"ec2": "localized", "rds": "regional", "weird": "huge"}, 0.4)
	healthy := 0.9
	sick := 0.2

	r, escalated := e.Estimate("ec2", &healthy)
	assert.Equal(t, models.BlastLocalized, r)
	assert.False(t, escalated)

	r, escalated = e.Estimate("EC2", &sick)
	assert.Equal(t, models.BlastRegional, r)
	assert.True(t, escalated)

	r, escalated = e.Estimate("rds", nil)
	assert.Equal(t, models.BlastGlobal, r)
	assert.True(t, escalated)

	r, _ = e.Estimate("weird", &healthy)
	assert.Equal(t, models.BlastGlobal, r)

	r, _ = e.Estimate("s3", &healthy)
	assert.Equal(t, models.BlastGlobal, r)
}
