package extractors

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

// TraceAnomaly captures a slow or failed span.
type TraceAnomaly struct {
	Span  repo.TraceSpan
	Score float64
}

// Reference converts the span into a correlated signal reference.
func (a TraceAnomaly) Reference() models.SignalReference {
	return models.SignalReference{
		Kind:      "trace",
		Reference: fmt.Sprintf("%s/%s %s", a.Span.TraceID, a.Span.SpanID, a.Span.Operation),
		Timestamp: a.Span.Timestamp,
		Score:     a.Score,
	}
}

// TracesExtractor detects slow spans by z-score and reports every errored span.
type TracesExtractor struct {
	threshold float64
}

// NewTracesExtractor constructs a TracesExtractor with a z-score threshold of 2.
func NewTracesExtractor() *TracesExtractor {
	return &TracesExtractor{threshold: 2.0}
}

// Detect returns spans whose duration is well above the window mean, plus errors.
func (e *TracesExtractor) Detect(spans []repo.TraceSpan) []TraceAnomaly {
	if len(spans) == 0 {
		return nil
	}

	durations := make([]float64, len(spans))
	for i, span := range spans {
		durations[i] = span.Duration.Seconds()
	}
	mu := mean(durations)
	sigma := sampleStdDev(durations, mu)

	var anomalies []TraceAnomaly
	for i, span := range spans {
		score := 0.0
		if sigma > 0 {
			score = (durations[i] - mu) / sigma
		}
		if score >= e.threshold || strings.EqualFold(span.Status, "error") {
			anomalies = append(anomalies, TraceAnomaly{Span: span, Score: score})
		}
	}
	return anomalies
}
