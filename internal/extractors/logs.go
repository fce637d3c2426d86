package extractors

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

// LogAnomaly represents an error spike or signature surge.
type LogAnomaly struct {
	Timestamp time.Time
	Severity  string
	Count     int
	Score     float64
}

// Reference converts the spike into a correlated signal reference.
func (a LogAnomaly) Reference() models.SignalReference {
	return models.SignalReference{
		Kind:      "log",
		Reference: fmt.Sprintf("%s x%d @ %s", a.Severity, a.Count, a.Timestamp.UTC().Format(time.RFC3339)),
		Timestamp: a.Timestamp,
		Score:     a.Score,
	}
}

// LogsExtractor spots volume spikes against the window median.
type LogsExtractor struct {
	threshold float64
}

// NewLogsExtractor constructs a log anomaly detector with a score threshold of 3.
func NewLogsExtractor() *LogsExtractor {
	return &LogsExtractor{threshold: 3}
}

// Detect scores each bucket by its distance from the median in units of mean
// absolute deviation. Error buckets well above the median are always reported.
func (e *LogsExtractor) Detect(entries []repo.LogEntry) []LogAnomaly {
	if len(entries) == 0 {
		return nil
	}

	counts := make([]float64, 0, len(entries))
	for _, entry := range entries {
		counts = append(counts, float64(entry.Count))
	}

	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		mad = 1
	}

	var anomalies []LogAnomaly
	for _, entry := range entries {
		score := math.Abs(float64(entry.Count)-median) / mad
		switch {
		case score >= e.threshold:
		case strings.EqualFold(entry.Severity, "error") && entry.Count > int(median*1.3):
			score = e.threshold
		default:
			continue
		}
		anomalies = append(anomalies, LogAnomaly{
			Timestamp: entry.Timestamp,
			Severity:  entry.Severity,
			Count:     entry.Count,
			Score:     score,
		})
	}
	return anomalies
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
