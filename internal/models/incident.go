package models

import "time"

// Fingerprint is the deduplication key of a logical incident.
type Fingerprint string

// Classification buckets severity for routing and reporting.
type Classification string

const (
	ClassificationCritical Classification = "CRITICAL"
	ClassificationHigh     Classification = "HIGH"
	ClassificationMedium   Classification = "MEDIUM"
	ClassificationLow      Classification = "LOW"
	ClassificationInfo     Classification = "INFO"
)

// ClassifySeverity maps a 1-10 severity onto a classification.
func ClassifySeverity(severity int) Classification {
	switch {
	case severity >= 9:
		return ClassificationCritical
	case severity >= 7:
		return ClassificationHigh
	case severity >= 5:
		return ClassificationMedium
	case severity >= 3:
		return ClassificationLow
	default:
		return ClassificationInfo
	}
}

// WorkflowState is the incident lifecycle state.
type WorkflowState string

const (
	StateReceived        WorkflowState = "RECEIVED"
	StateAnalyzing       WorkflowState = "ANALYZING"
	StateCompleted       WorkflowState = "COMPLETED"
	StatePendingApproval WorkflowState = "PENDING_APPROVAL"
	StateFailed          WorkflowState = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateCompleted, StatePendingApproval, StateFailed:
		return true
	}
	return false
}

func (s WorkflowState) rank() int {
	switch s {
	case StateReceived:
		return 0
	case StateAnalyzing:
		return 1
	case StateCompleted, StatePendingApproval, StateFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s WorkflowState) CanTransition(next WorkflowState) bool {
	if s.rank() < 0 || next.rank() < 0 || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// StageName identifies a pipeline stage.
type StageName string

const (
	StageTriage          StageName = "triage"
	StageTelemetry       StageName = "telemetry"
	StageGuardrailInputs StageName = "guardrail-inputs"
	StageRisk            StageName = "risk"
	StageRemediation     StageName = "remediation"
	StageCommunications  StageName = "communications"
)

// StageStatus is the outcome of a single stage execution.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// AgentResult is the immutable record of one stage execution.
type AgentResult struct {
	Stage      StageName   `json:"stage"`
	Status     StageStatus `json:"status"`
	StartedAt  time.Time   `json:"startedAt"`
	DurationMs int64       `json:"durationMs"`
	Analysis   any         `json:"analysis,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Incident is the aggregate root for one logical incident.
type Incident struct {
	CorrelationID  string                 `json:"correlationId"`
	Event          Event                  `json:"event"`
	Fingerprint    Fingerprint            `json:"fingerprint"`
	ResourceKey    string                 `json:"resourceKey"`
	Severity       int                    `json:"severity"`
	Classification Classification         `json:"classification,omitempty"`
	State          WorkflowState          `json:"state"`
	Suppressed     bool                   `json:"suppressed"`
	FailureReason  string                 `json:"failureReason,omitempty"`
	Results        []AgentResult          `json:"results"`
	Risk           *RiskAssessment        `json:"risk,omitempty"`
	Remediation    *RemediationDecision   `json:"remediation,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Dispatches     []DispatchRequest      `json:"dispatches,omitempty"`
	Deliveries     []NotificationDelivery `json:"deliveries,omitempty"`
	ReceivedAt     time.Time              `json:"receivedAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	FinalizedAt    *time.Time             `json:"finalizedAt,omitempty"`
}

// Result returns the recorded result for a stage, if any.
func (i *Incident) Result(stage StageName) (AgentResult, bool) {
	for _, r := range i.Results {
		if r.Stage == stage {
			return r, true
		}
	}
	return AgentResult{}, false
}
