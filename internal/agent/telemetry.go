package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/extractors"
	"github.com/miradorstack/mirador-responder/internal/models"
)

const (
	neutralHealth    = 0.5
	telemetryLead    = 5 * time.Minute
	maxReferences    = 10
	anomalyPenalty   = 0.6
	logSpikePenalty  = 0.2
	errorSpanPenalty = 0.2
)

// TelemetryOptions configure the observation window and detector.
type TelemetryOptions struct {
	Window      time.Duration
	Sensitivity float64
	Logger      *slog.Logger
}

// TelemetryAgent scores resource health from metrics, logs and traces.
type TelemetryAgent struct {
	source  TelemetrySource
	window  time.Duration
	metrics *extractors.MetricExtractor
	logs    *extractors.LogsExtractor
	traces  *extractors.TracesExtractor
	logger  *slog.Logger
}

// NewTelemetryAgent builds the telemetry stage.
func NewTelemetryAgent(source TelemetrySource, opts TelemetryOptions) *TelemetryAgent {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryAgent{
		source:  source,
		window:  opts.Window,
		metrics: extractors.NewMetricExtractor(opts.Sensitivity),
		logs:    extractors.NewLogsExtractor(),
		traces:  extractors.NewTracesExtractor(),
		logger:  logger,
	}
}

func (a *TelemetryAgent) Stage() models.StageName { return models.StageTelemetry }

// Run fetches the window [ts-window, ts+5m]. Only the metric series is
// required; log and trace failures are logged and skipped.
//
// Health starts at 1 and loses 0.6 times the anomalous sample ratio, 0.2 when
// any log spike is present and 0.2 when any errored span is present.
func (a *TelemetryAgent) Run(ctx context.Context, rc *RunContext) (any, error) {
	ev := rc.Event()
	if a.source == nil {
		return nil, &DegradedStageError{Stage: models.StageTelemetry, Signal: "metrics", Err: errTelemetryNotConfigured}
	}
	start := ev.Timestamp.Add(-a.window)
	end := ev.Timestamp.Add(telemetryLead)

	series, err := a.source.FetchMetricSeries(ctx, ev.ResourceType, ev.ResourceID, start, end)
	if err != nil {
		return nil, &DegradedStageError{Stage: models.StageTelemetry, Signal: "metrics", Err: err}
	}

	var logAnomalies []extractors.LogAnomaly
	if entries, err := a.source.FetchLogEntries(ctx, ev.ResourceType, ev.ResourceID, start, end); err != nil {
		a.logger.Warn("log fetch failed", slog.String("resource_key", ev.ResourceKey()), slog.Any("error", err))
	} else {
		logAnomalies = a.logs.Detect(entries)
	}

	var traceAnomalies []extractors.TraceAnomaly
	if spans, err := a.source.FetchTraceSpans(ctx, ev.ResourceType, ev.ResourceID, start, end); err != nil {
		a.logger.Warn("trace fetch failed", slog.String("resource_key", ev.ResourceKey()), slog.Any("error", err))
	} else {
		traceAnomalies = a.traces.Detect(spans)
	}

	out := models.TelemetryAnalysis{
		Samples:    len(series),
		References: references(logAnomalies, traceAnomalies),
	}
	if len(series) < 2 {
		out.Health = neutralHealth
		out.DataInsufficient = true
		return out, nil
	}

	out.Anomalies = a.metrics.Detect(series)
	errorSpans := 0
	for _, t := range traceAnomalies {
		if strings.EqualFold(t.Span.Status, "error") {
			errorSpans++
		}
	}
	out.Health = Health(len(out.Anomalies), len(series), len(logAnomalies) > 0, errorSpans > 0)
	return out, nil
}

// Health combines the anomaly ratio with log and trace evidence into [0,1],
// rounded to hundredths.
func Health(anomalous, samples int, logSpike, errorSpans bool) float64 {
	if samples <= 0 {
		return neutralHealth
	}
	h := 1 - anomalyPenalty*float64(anomalous)/float64(samples)
	if logSpike {
		h -= logSpikePenalty
	}
	if errorSpans {
		h -= errorSpanPenalty
	}
	switch {
	case h < 0:
		h = 0
	case h > 1:
		h = 1
	}
	return float64(int(h*100+0.5)) / 100
}

func references(logs []extractors.LogAnomaly, traces []extractors.TraceAnomaly) []models.SignalReference {
	refs := make([]models.SignalReference, 0, len(logs)+len(traces))
	for _, l := range logs {
		refs = append(refs, l.Reference())
	}
	for _, t := range traces {
		refs = append(refs, t.Reference())
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Score > refs[j].Score })
	if len(refs) > maxReferences {
		refs = refs[:maxReferences]
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}
