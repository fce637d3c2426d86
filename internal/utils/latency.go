package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded window of recent durations for percentile reporting.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int
	full    bool
	maxSize int
}

// NewLatencyTracker creates a tracker storing up to maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{samples: make([]time.Duration, 0, maxSize), maxSize: maxSize}
}

// Observe records a new duration, overwriting the oldest once the window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		l.samples = append(l.samples, d)
		if len(l.samples) == l.maxSize {
			l.full = true
		}
		return
	}
	l.samples[l.next] = d
	l.next = (l.next + 1) % l.maxSize
}

// Percentile returns the p-th percentile (0-100), or zero without samples.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.RLock()
	sorted := append([]time.Duration(nil), l.samples...)
	l.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	return sorted[index]
}

// Count returns the number of samples currently held.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}
