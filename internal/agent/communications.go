package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/analysis"
	"github.com/miradorstack/mirador-responder/internal/models"
)

// Audiences and channels used for routing.
const (
	AudienceOnCall     = "oncall"
	AudienceOperations = "operations"
	AudienceApprovers  = "approvers"

	ChannelPager = "pager"
	ChannelChat  = "chat"
	ChannelEmail = "email"
)

// CommunicationsAgent writes the incident summary and decides who hears about it.
type CommunicationsAgent struct {
	analyzer analysis.Analyzer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCommunicationsAgent builds the communications stage. analyzer may be nil.
func NewCommunicationsAgent(analyzer analysis.Analyzer, timeout time.Duration, logger *slog.Logger) *CommunicationsAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommunicationsAgent{analyzer: analyzer, timeout: timeout, logger: logger}
}

func (a *CommunicationsAgent) Stage() models.StageName { return models.StageCommunications }

// Run never fails: a missing summarizer falls back to a template built from
// structured fields.
func (a *CommunicationsAgent) Run(ctx context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()
	triage, _ := rc.Triage()
	risk, _ := rc.Risk()
	remediation, _ := rc.Remediation()

	req := analysis.Request{
		Task:         analysis.TaskIncidentSummary,
		Instructions: "Write a short incident summary for operators: what happened, how severe it is, and what the responder did or is waiting for.",
		Payload: map[string]any{
			"correlationId": rc.CorrelationID(),
			"event":         ev,
			"results":       rc.Results(),
		},
	}
	summary, fromAnalysis := analysis.WithFallback(ctx, a.analyzer, a.timeout, req, func() string {
		return TemplateSummary(rc.CorrelationID(), ev, triage, risk, remediation)
	}, a.logger)

	source := models.SummaryFromTemplate
	if fromAnalysis {
		source = models.SummaryFromAnalysis
	}
	return models.CommunicationsAnalysis{
		Summary:       summary,
		SummarySource: source,
		Dispatches:    Route(triage, remediation, summary),
	}, nil
}

// Route picks audiences: critical and high incidents page on-call, pending
// approvals mail approvers, and operations chat always hears.
func Route(triage *models.TriageAnalysis, remediation *models.RemediationDecision, message string) []models.DispatchRequest {
	var out []models.DispatchRequest
	if triage != nil && (triage.Classification == models.ClassificationCritical || triage.Classification == models.ClassificationHigh) {
		out = append(out, models.DispatchRequest{Audience: AudienceOnCall, Channel: ChannelPager, Message: message})
	}
	if remediation != nil && remediation.Status == models.RemediationPendingApproval {
		out = append(out, models.DispatchRequest{Audience: AudienceApprovers, Channel: ChannelEmail, Message: message})
	}
	out = append(out, models.DispatchRequest{Audience: AudienceOperations, Channel: ChannelChat, Message: message})
	return out
}

// TemplateSummary renders a summary purely from structured fields.
func TemplateSummary(correlationID string, ev models.Event, triage *models.TriageAnalysis, risk *models.RiskAssessment, remediation *models.RemediationDecision) string {
	var b strings.Builder
	classification, severity := "UNCLASSIFIED", "n/a"
	if triage != nil {
		classification = string(triage.Classification)
		severity = fmt.Sprintf("%d/10", triage.Severity)
	}
	fmt.Fprintf(&b, "[%s] %s on %s %s (severity %s).", classification, ev.EventName, ev.ResourceType, ev.ResourceID, severity)

	if risk != nil {
		fmt.Fprintf(&b, " Risk score %.2f, blast radius %s.", risk.Score, risk.BlastRadius)
	} else {
		b.WriteString(" Risk score unavailable.")
	}

	if remediation != nil {
		fmt.Fprintf(&b, " Remediation %s via %s.", strings.ReplaceAll(string(remediation.Status), "_", " "), strings.ReplaceAll(string(remediation.Mechanism), "_", " "))
		if remediation.ReferenceID != "" {
			fmt.Fprintf(&b, " Reference %s.", remediation.ReferenceID)
		}
	} else {
		b.WriteString(" No remediation decision.")
	}
	fmt.Fprintf(&b, " Correlation %s.", correlationID)
	return b.String()
}
