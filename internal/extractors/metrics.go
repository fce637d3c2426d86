package extractors

import (
	"math"

	"github.com/miradorstack/mirador-responder/internal/models"
	"github.com/miradorstack/mirador-responder/internal/repo"
)

// DefaultSensitivity is the number of standard deviations a point must sit
// away from the mean to be flagged.
const DefaultSensitivity = 2.0

// MetricExtractor flags samples whose deviation from the series mean exceeds
// sensitivity times the sample standard deviation.
type MetricExtractor struct {
	sensitivity float64
}

// NewMetricExtractor creates a detector; sensitivity <= 0 uses DefaultSensitivity.
func NewMetricExtractor(sensitivity float64) *MetricExtractor {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	return &MetricExtractor{sensitivity: sensitivity}
}

// Sensitivity returns the configured multiplier.
func (e *MetricExtractor) Sensitivity() float64 { return e.sensitivity }

// Detect returns anomalies for a timestamped series.
func (e *MetricExtractor) Detect(series []repo.MetricPoint) []models.Anomaly {
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Value
	}
	anomalies := DetectValues(values, e.sensitivity)
	for i := range anomalies {
		anomalies[i].Timestamp = series[anomalies[i].Index].Timestamp
	}
	return anomalies
}

// DetectValues flags |x-mean| > sensitivity*stddev. Series shorter than two
// points, or with zero spread, produce no anomalies. Severity is the deviation
// expressed in standard deviations.
func DetectValues(values []float64, sensitivity float64) []models.Anomaly {
	if len(values) < 2 {
		return nil
	}
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}

	mu := mean(values)
	sigma := sampleStdDev(values, mu)
	if sigma == 0 {
		return nil
	}

	var anomalies []models.Anomaly
	for i, v := range values {
		deviation := math.Abs(v - mu)
		if deviation > sensitivity*sigma {
			anomalies = append(anomalies, models.Anomaly{
				Index:     i,
				Value:     v,
				Deviation: deviation,
				Severity:  deviation / sigma,
			})
		}
	}
	return anomalies
}
