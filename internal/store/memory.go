package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-replica runs.
type MemoryStore struct {
	mu            sync.RWMutex
	byID          map[string]IncidentRecord
	byFingerprint map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:          make(map[string]IncidentRecord),
		byFingerprint: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec IncidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byFingerprint[rec.Fingerprint]; ok {
		return ErrFingerprintExists
	}
	if _, ok := m.byID[rec.CorrelationID]; ok {
		return ErrFingerprintExists
	}
	m.byID[rec.CorrelationID] = rec
	m.byFingerprint[rec.Fingerprint] = rec.CorrelationID
	return nil
}

func (m *MemoryStore) Update(_ context.Context, rec IncidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byID[rec.CorrelationID]
	if !ok {
		return ErrNotFound
	}
	// Identity columns are fixed at creation.
	rec.Fingerprint = existing.Fingerprint
	rec.ResourceKey = existing.ResourceKey
	rec.Source = existing.Source
	rec.EventName = existing.EventName
	rec.EventAt = existing.EventAt
	rec.ReceivedAt = existing.ReceivedAt
	m.byID[rec.CorrelationID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, correlationID string) (IncidentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[correlationID]
	if !ok {
		return IncidentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetByFingerprint(ctx context.Context, fingerprint string) (IncidentRecord, error) {
	m.mu.RLock()
	id, ok := m.byFingerprint[fingerprint]
	m.mu.RUnlock()
	if !ok {
		return IncidentRecord{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByResource(_ context.Context, resourceKey string, from, to time.Time) ([]IncidentRecord, error) {
	lo, hi := Millis(from), Millis(to)
	m.mu.RLock()
	var out []IncidentRecord
	for _, rec := range m.byID {
		if rec.ResourceKey == resourceKey && rec.EventAt >= lo && rec.EventAt <= hi {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventAt != out[j].EventAt {
			return out[i].EventAt < out[j].EventAt
		}
		return out[i].ReceivedAt < out[j].ReceivedAt
	})
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
