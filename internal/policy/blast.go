package policy

import (
	"strings"

	"github.com/miradorstack/mirador-responder/internal/models"
)

// BlastEstimator maps resource types to a baseline blast radius and widens it
// when the resource looks unhealthy.
type BlastEstimator struct {
	byType    map[string]models.BlastRadius
	threshold float64
}

// NewBlastEstimator builds an estimator. Unknown radius names are ignored, so
// their resource types fall back to global.
func NewBlastEstimator(byType map[string]string, healthThreshold float64) *BlastEstimator {
	m := make(map[string]models.BlastRadius, len(byType))
	for k, v := range byType {
		r := models.BlastRadius(strings.ToLower(v))
		if r.Valid() {
			m[strings.ToLower(k)] = r
		}
	}
	return &BlastEstimator{byType: m, threshold: healthThreshold}
}

// Estimate returns the radius for resourceType. health is nil when telemetry
// is unavailable, which escalates like an unhealthy reading.
func (e *BlastEstimator) Estimate(resourceType string, health *float64) (models.BlastRadius, bool) {
	radius, ok := e.byType[strings.ToLower(resourceType)]
	if !ok {
		return models.BlastGlobal, false
	}
	if health == nil || *health < e.threshold {
		return radius.Escalate(), true
	}
	return radius, false
}
