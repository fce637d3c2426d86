// Package policy holds the deterministic guardrail rules that gate automated
// remediation.
package policy

import "github.com/miradorstack/mirador-responder/internal/models"

// Weights are expressed in hundredths so scores are exact and repeatable.
const (
	weightChangeWindow = 30
	weightCompliance   = 40
	weightSLO          = 20

	weightLocalized = 10
	weightRegional  = 20
	weightGlobal    = 30

	scoreCeiling = 100
)

// ApprovalThreshold is the score above which a human must approve remediation.
const ApprovalThreshold = 0.5

// Unknown factor names reported in RiskAssessment.UnknownFactors.
const (
	FactorChangeWindow = "changeWindow"
	FactorCompliance   = "compliance"
	FactorSLO          = "slo"
	FactorBlastRadius  = "blastRadius"
	FactorHealth       = "health"
)

// Inputs are the guardrail signals for one incident. A nil pointer means the
// signal could not be obtained.
type Inputs struct {
	ChangeWindowBlocked *bool
	ComplianceViolation *bool
	SLOExhausted        *bool
	BlastRadius         models.BlastRadius
}

// Evaluate resolves unknown inputs to their worst case and scores them.
func Evaluate(in Inputs) models.RiskAssessment {
	var unknown []string
	resolve := func(v *bool, factor string) bool {
		if v == nil {
			unknown = append(unknown, factor)
			return true
		}
		return *v
	}

	blocked := resolve(in.ChangeWindowBlocked, FactorChangeWindow)
	violation := resolve(in.ComplianceViolation, FactorCompliance)
	exhausted := resolve(in.SLOExhausted, FactorSLO)
	radius := in.BlastRadius
	if !radius.Valid() {
		unknown = append(unknown, FactorBlastRadius)
		radius = models.BlastGlobal
	}

	score := Score(blocked, violation, exhausted, radius)
	return models.RiskAssessment{
		ChangeWindowBlocked: blocked,
		ComplianceViolation: violation,
		SLOExhausted:        exhausted,
		BlastRadius:         radius,
		Score:               score,
		ApprovalRequired:    ApprovalRequired(score),
		UnknownFactors:      unknown,
	}
}

// Score computes the additive risk score clamped to [0,1].
func Score(changeWindowBlocked, complianceViolation, sloExhausted bool, radius models.BlastRadius) float64 {
	return float64(scoreHundredths(changeWindowBlocked, complianceViolation, sloExhausted, radius)) / 100
}

// ApprovalRequired reports whether a score gates automation. A score of
// exactly 0.5 does not.
func ApprovalRequired(score float64) bool {
	return score > ApprovalThreshold
}

func scoreHundredths(blocked, violation, exhausted bool, radius models.BlastRadius) int {
	total := 0
	if blocked {
		total += weightChangeWindow
	}
	if violation {
		total += weightCompliance
	}
	if exhausted {
		total += weightSLO
	}
	total += radiusWeight(radius)
	if total > scoreCeiling {
		total = scoreCeiling
	}
	return total
}

func radiusWeight(r models.BlastRadius) int {
	switch r {
	case models.BlastLocalized:
		return weightLocalized
	case models.BlastRegional:
		return weightRegional
	default:
		return weightGlobal
	}
}
