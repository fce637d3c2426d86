package agent

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/ledger"
	"github.com/miradorstack/mirador-responder/internal/models"
)

const (
	knownEventConfidence    = 0.9
	sourceDefaultConfidence = 0.6
)

var eventCriticality = map[string]int{
	"TerminateInstances":           9,
	"DeleteDBInstance":             9,
	"DeleteDBCluster":              9,
	"DeleteFunction":               8,
	"StopInstances":                7,
	"FailoverDBCluster":            7,
	"RebootDBInstance":             6,
	"ComplianceChangeNotification": 6,
	"RebootInstances":              5,
	"ModifyDBInstance":             5,
	"ModifyInstanceAttribute":      5,
	"UpdateFunctionConfiguration":  4,
	"UpdateFunctionCode":           4,
	"StartInstances":               2,
}

var sourceCriticality = map[models.EventSource]int{
	models.SourceEC2:    5,
	models.SourceRDS:    6,
	models.SourceLambda: 4,
	models.SourceConfig: 5,
	models.SourceOther:  3,
}

// TriageOptions tune severity and noise suppression.
type TriageOptions struct {
	Bucket            time.Duration
	Lookback          time.Duration
	FlappingThreshold int
	SeverityFloor     int
	Logger            *slog.Logger
}

// TriageAgent classifies an event and scores its severity.
type TriageAgent struct {
	history HistoryReader
	opts    TriageOptions
	logger  *slog.Logger
}

// NewTriageAgent builds the triage stage. history may be nil, in which case
// history is always reported unavailable.
func NewTriageAgent(history HistoryReader, opts TriageOptions) *TriageAgent {
	if opts.Bucket <= 0 {
		opts.Bucket = ledger.DefaultBucket
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.FlappingThreshold <= 0 {
		opts.FlappingThreshold = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TriageAgent{history: history, opts: opts, logger: logger}
}

func (a *TriageAgent) Stage() models.StageName { return models.StageTriage }

func (a *TriageAgent) Run(ctx context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()
	if !ev.Source.Valid() {
		return nil, &FatalStageError{Stage: models.StageTriage, Reason: "unsupported event source " + string(ev.Source)}
	}
	for field, value := range map[string]string{"resourceType": ev.ResourceType, "resourceId": ev.ResourceID, "eventName": ev.EventName} {
		if strings.TrimSpace(value) == "" {
			return nil, &FatalStageError{Stage: models.StageTriage, Reason: field + " is empty"}
		}
	}

	criticality, confidence := Criticality(ev.Source, ev.EventName)

	prior, historyErr := a.priorIncidents(ctx, rc, ev)
	if historyErr != nil {
		a.logger.Warn("incident history unavailable", slog.String("resource_key", ev.ResourceKey()), slog.Any("error", historyErr))
	}

	severity := Severity(criticality, prior, a.opts.FlappingThreshold)
	return models.TriageAnalysis{
		Fingerprint:        ledger.Fingerprint(ev, a.opts.Bucket),
		Classification:     models.ClassifySeverity(severity),
		Severity:           severity,
		Criticality:        criticality,
		PriorIncidents:     prior,
		Noise:              historyErr == nil && severity < a.opts.SeverityFloor,
		Confidence:         confidence,
		HistoryUnavailable: historyErr != nil,
	}, nil
}

func (a *TriageAgent) priorIncidents(ctx context.Context, rc *RunContext, ev models.Event) (int, error) {
	if a.history == nil {
		return 0, errHistoryNotConfigured
	}
	incidents, err := a.history.ListByResource(ctx, ev.ResourceKey(), ev.Timestamp.Add(-a.opts.Lookback), ev.Timestamp)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, inc := range incidents {
		if inc.CorrelationID == rc.CorrelationID() || inc.Fingerprint == rc.Fingerprint() {
			continue
		}
		count++
	}
	return count, nil
}

// Criticality returns the impact weight of an event and the confidence of
// that classification.
func Criticality(source models.EventSource, eventName string) (int, float64) {
	if c, ok := eventCriticality[eventName]; ok {
		return c, knownEventConfidence
	}
	if c, ok := sourceCriticality[source]; ok {
		return c, sourceDefaultConfidence
	}
	return sourceCriticality[models.SourceOther], sourceDefaultConfidence
}

// Severity blends criticality with how often the resource has flapped:
// round(0.8*criticality + 2*min(prior/threshold, 1)), clamped to 1..10.
func Severity(criticality, prior, flappingThreshold int) int {
	if flappingThreshold <= 0 {
		flappingThreshold = 1
	}
	frequency := math.Min(float64(prior)/float64(flappingThreshold), 1)
	if frequency < 0 {
		frequency = 0
	}
	severity := int(math.Round(0.8*float64(criticality) + 2*frequency))
	switch {
	case severity < 1:
		return 1
	case severity > 10:
		return 10
	}
	return severity
}
