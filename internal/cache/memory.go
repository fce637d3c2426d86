package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is a process-local Provider with TTL expiry. It is suitable
// for single-replica deployments and tests.
type MemoryProvider struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty in-memory provider. now may be nil.
func NewMemoryProvider(now func() time.Time) *MemoryProvider {
	if now == nil {
		now = time.Now
	}
	return &MemoryProvider{data: make(map[string]entry), now: now}
}

// Get returns a copy of the stored value or ErrCacheMiss.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores value under key; ttl <= 0 keeps it until deleted.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.newEntry(value, ttl)
	return nil
}

// SetNX stores value only when key is absent or expired.
func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.data[key] = m.newEntry(value, ttl)
	return true, nil
}

// Del removes key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close drops all entries.
func (m *MemoryProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]entry)
	return nil
}

// lookup expects m.mu to be held.
func (m *MemoryProvider) lookup(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryProvider) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	return e
}
