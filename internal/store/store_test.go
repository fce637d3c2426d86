package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

func record(id, fingerprint string, eventAt time.Time) IncidentRecord {
	return IncidentRecord{
		CorrelationID: id,
		Fingerprint:   fingerprint,
		ResourceKey:   "ec2#i-1",
		Source:        "ec2",
		EventName:     "StopInstances",
		State:         "RECEIVED",
		Payload:       `{"correlationId":"` + id + `"}`,
		EventAt:       Millis(eventAt),
		ReceivedAt:    Millis(eventAt),
		UpdatedAt:     Millis(eventAt),
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "incidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, record("c1", "fp1", base)))
			assert.ErrorIs(t, s.Create(ctx, record("c2", "fp1", base)), ErrFingerprintExists)

			rec, err := s.GetByFingerprint(ctx, "fp1")
			require.NoError(t, err)
			assert.Equal(t, "c1", rec.CorrelationID)
			assert.False(t, rec.RiskScore.Valid)
			assert.False(t, rec.FinalizedAt.Valid)

			rec.State = "COMPLETED"
			rec.Severity = 6
			rec.Classification = "MEDIUM"
			rec.RiskScore = sql.NullFloat64{Float64: 0.4, Valid: true}
			rec.ApprovalRequired = true
			rec.RemediationStatus = "pending_approval"
			rec.FinalizedAt = sql.NullInt64{Int64: Millis(base.Add(time.Minute)), Valid: true}
			require.NoError(t, s.Update(ctx, rec))

			got, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, rec, got)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Update(ctx, record("missing", "fpx", base)), ErrNotFound)
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStoreListByResource(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, record("late", "fp-late", base.Add(2*time.Hour))))
			require.NoError(t, s.Create(ctx, record("early", "fp-early", base.Add(-time.Hour))))
			require.NoError(t, s.Create(ctx, record("old", "fp-old", base.Add(-48*time.Hour))))
			other := record("other", "fp-other", base)
			other.ResourceKey = "rds#db-1"
			require.NoError(t, s.Create(ctx, other))

			got, err := s.ListByResource(ctx, "ec2#i-1", base.Add(-24*time.Hour), base.Add(2*time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "early", got[0].CorrelationID)
			assert.Equal(t, "late", got[1].CorrelationID)
		})
	}
}

func TestStoreCreateIsAtomicPerFingerprint(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var created int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := record("c-"+string(rune('a'+i)), "same", base)
					if err := s.Create(context.Background(), rec); err == nil {
						atomic.AddInt32(&created, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), created)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("mongo", "")
	require.Error(t, err)

	_, err = Open("sqlite", "")
	require.Error(t, err)
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 4, 10, 0, 0, 123_000_000, time.FixedZone("x", 7200))
	assert.True(t, ts.Equal(FromMillis(Millis(ts))))
}
