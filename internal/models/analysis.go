package models

import "time"

// TriageAnalysis is the Triage stage output.
type TriageAnalysis struct {
	Fingerprint        Fingerprint    `json:"fingerprint"`
	Classification     Classification `json:"classification"`
	Severity           int            `json:"severity"`
	Criticality        int            `json:"criticality"`
	PriorIncidents     int            `json:"priorIncidents"`
	Noise              bool           `json:"noise"`
	Confidence         float64        `json:"confidence"`
	HistoryUnavailable bool           `json:"historyUnavailable,omitempty"`
}

// Anomaly is a single flagged metric sample.
type Anomaly struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Deviation float64   `json:"deviation"`
	Severity  float64   `json:"severity"`
}

// SignalReference points at a correlated log window or trace span.
type SignalReference struct {
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// TelemetryAnalysis is the Telemetry stage output.
type TelemetryAnalysis struct {
	Health           float64           `json:"health"`
	DataInsufficient bool              `json:"dataInsufficient,omitempty"`
	Samples          int               `json:"samples"`
	Anomalies        []Anomaly         `json:"anomalies,omitempty"`
	References       []SignalReference `json:"references,omitempty"`
}

// GuardrailInputs collects the external lookups feeding risk evaluation.
// A nil pointer means the lookup could not be completed.
type GuardrailInputs struct {
	ChangeWindowBlocked *bool    `json:"changeWindowBlocked,omitempty"`
	ComplianceViolation *bool    `json:"complianceViolation,omitempty"`
	SLOExhausted        *bool    `json:"sloExhausted,omitempty"`
	ComplianceReasons   []string `json:"complianceReasons,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

// BlastRadius is the estimated scope of impact of a change.
type BlastRadius string

const (
	BlastLocalized BlastRadius = "localized"
	BlastRegional  BlastRadius = "regional"
	BlastGlobal    BlastRadius = "global"
)

// Valid reports whether r is a recognised radius.
func (r BlastRadius) Valid() bool {
	switch r {
	case BlastLocalized, BlastRegional, BlastGlobal:
		return true
	}
	return false
}

// Escalate widens the radius by one level.
func (r BlastRadius) Escalate() BlastRadius {
	switch r {
	case BlastLocalized:
		return BlastRegional
	default:
		return BlastGlobal
	}
}

// RiskAssessment is produced once per incident by the Risk stage.
type RiskAssessment struct {
	ChangeWindowBlocked bool        `json:"changeWindowBlocked"`
	ComplianceViolation bool        `json:"complianceViolation"`
	SLOExhausted        bool        `json:"sloExhausted"`
	BlastRadius         BlastRadius `json:"blastRadius"`
	Score               float64     `json:"score"`
	ApprovalRequired    bool        `json:"approvalRequired"`
	UnknownFactors      []string    `json:"unknownFactors,omitempty"`
}

// RemediationMechanism is the backend family used to act on a resource.
type RemediationMechanism string

const (
	MechanismInfrastructureApply RemediationMechanism = "infrastructure_apply"
	MechanismAutomationDocument  RemediationMechanism = "automation_document"
	MechanismFunctionInvocation  RemediationMechanism = "function_invocation"
)

// RemediationStatus is the outcome of the Remediation stage.
type RemediationStatus string

const (
	RemediationDispatched         RemediationStatus = "dispatched"
	RemediationSuppressedCooldown RemediationStatus = "suppressed_cooldown"
	RemediationPendingApproval    RemediationStatus = "pending_approval"
	RemediationDispatchRejected   RemediationStatus = "dispatch_rejected"
	RemediationDispatchFailed     RemediationStatus = "dispatch_failed"
)

// PolicyViolation describes why automated action was withheld. It is a
// gating outcome, not an error.
type PolicyViolation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// RemediationDecision is the Remediation stage output.
type RemediationDecision struct {
	Mechanism         RemediationMechanism `json:"mechanism"`
	Status            RemediationStatus    `json:"status"`
	ApprovalRequired  bool                 `json:"approvalRequired"`
	ReferenceID       string               `json:"referenceId,omitempty"`
	Runbook           []string             `json:"runbook,omitempty"`
	Narrative         string               `json:"narrative,omitempty"`
	Violations        []PolicyViolation    `json:"violations,omitempty"`
	LedgerUnavailable bool                 `json:"ledgerUnavailable,omitempty"`
	Parameters        map[string]string    `json:"parameters,omitempty"`
}

// DispatchReceipt is returned by a remediation backend.
type DispatchReceipt struct {
	Accepted    bool   `json:"accepted"`
	ReferenceID string `json:"referenceId"`
}

// DispatchRequest is an outbound notification request.
type DispatchRequest struct {
	Audience string `json:"audience"`
	Channel  string `json:"channel"`
	Message  string `json:"message"`
}

// NotificationDelivery records the sink's answer for one dispatch request.
type NotificationDelivery struct {
	Audience string `json:"audience"`
	Channel  string `json:"channel"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// SummarySource tells whether a summary came from the analysis backend.
type SummarySource string

const (
	SummaryFromAnalysis SummarySource = "analysis"
	SummaryFromTemplate SummarySource = "template"
)

// CommunicationsAnalysis is the Communications stage output.
type CommunicationsAnalysis struct {
	Summary       string            `json:"summary"`
	SummarySource SummarySource     `json:"summarySource"`
	Dispatches    []DispatchRequest `json:"dispatches"`
}
