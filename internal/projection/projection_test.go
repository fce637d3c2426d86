package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/store"
)

var now = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

func incident(id, fp string) *models.Incident {
	ev := models.Event{Source: models.SourceEC2, EventName: "StopInstances", Timestamp: now, ResourceType: "ec2", ResourceID: "i-1"}
	return &models.Incident{
		CorrelationID: id,
		Event:         ev,
		Fingerprint:   models.Fingerprint(fp),
		ResourceKey:   ev.ResourceKey(),
		State:         models.StateReceived,
		ReceivedAt:    now,
		UpdatedAt:     now,
	}
}

func TestBeginClaimsFingerprint(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore(), func() time.Time { return now })

	existing, err := p.Begin(ctx, incident("c1", "fp"))
	require.NoError(t, err)
	assert.Nil(t, existing)

	existing, err = p.Begin(ctx, incident("c2", "fp"))
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "c1", existing.CorrelationID)

	_, err = p.Load(ctx, "c2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := New(s, func() time.Time { return now.Add(time.Minute) })
	inc := incident("c1", "fp")
	_, err := p.Begin(ctx, inc)
	require.NoError(t, err)

	require.ErrorIs(t, p.Finalize(ctx, inc), ErrNotTerminal)
	require.NoError(t, p.Transition(ctx, inc, models.StateAnalyzing))
	require.ErrorIs(t, p.Transition(ctx, inc, models.StateReceived), ErrInvalidTransition)

	inc.Severity = 6
	inc.Classification = models.ClassificationMedium
	inc.Risk = &models.RiskAssessment{Score: 0.7, ApprovalRequired: true}
	inc.Remediation = &models.RemediationDecision{Status: models.RemediationPendingApproval, ApprovalRequired: true}
	require.NoError(t, p.Transition(ctx, inc, models.StatePendingApproval))
	require.NoError(t, p.Finalize(ctx, inc))
	require.ErrorIs(t, p.Transition(ctx, inc, models.StateCompleted), ErrInvalidTransition)

	rec, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "PENDING_APPROVAL", rec.State)
	assert.Equal(t, 0.7, rec.RiskScore.Float64)
	assert.True(t, rec.ApprovalRequired)
	assert.Equal(t, "pending_approval", rec.RemediationStatus)
	require.True(t, rec.FinalizedAt.Valid)
	assert.Equal(t, store.Millis(now.Add(time.Minute)), rec.FinalizedAt.Int64)

	loaded, err := p.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingApproval, loaded.State)
	require.NotNil(t, loaded.FinalizedAt)
}

func TestListByResourceDecodesHistory(t *testing.T) {
	ctx := context.Background()
	p := New(store.NewMemoryStore(), nil)
	_, err := p.Begin(ctx, incident("c1", "fp1"))
	require.NoError(t, err)
	_, err = p.Begin(ctx, incident("c2", "fp2"))
	require.NoError(t, err)

	got, err := p.ListByResource(ctx, "ec2#i-1", now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.SourceEC2, got[0].Event.Source)
}
