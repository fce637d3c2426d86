package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// MetricPoint represents a single metric sample returned by mirador-core.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
}

// LogEntry represents aggregated log volume for one window bucket.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Severity  string
	Count     int
}

// TraceSpan captures essential fields from a trace span.
type TraceSpan struct {
	TraceID   string
	SpanID    string
	Service   string
	Operation string
	Duration  time.Duration
	Status    string
	Timestamp time.Time
}

// SLOStatus is the error budget state of the service backing a resource.
type SLOStatus struct {
	Objective       string
	BudgetRemaining float64
	Exhausted       bool
}

// CoreClientConfig lists the mirador-core endpoints used by the responder.
type CoreClientConfig struct {
	BaseURL     string
	MetricsPath string
	LogsPath    string
	TracesPath  string
	SLOPath     string
	Timeout     time.Duration
}

// MiradorCoreClient wraps mirador-core signal and SLO APIs for a cloud resource.
type MiradorCoreClient struct {
	baseURL     string
	metricsPath string
	logsPath    string
	tracesPath  string
	sloPath     string
	httpClient  *http.Client
}

// NewMiradorCoreClient constructs a client targeting the configured mirador-core instance.
func NewMiradorCoreClient(cfg CoreClientConfig) *MiradorCoreClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MiradorCoreClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		metricsPath: cfg.MetricsPath,
		logsPath:    cfg.LogsPath,
		tracesPath:  cfg.TracesPath,
		sloPath:     cfg.SLOPath,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func signalPayload(resourceType, resourceID string, start, end time.Time) map[string]any {
	return map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"start":         start.UTC().Format(time.RFC3339),
		"end":           end.UTC().Format(time.RFC3339),
	}
}

// FetchMetricSeries returns the primary health metric of a resource. An empty
// series is not an error; the caller decides whether it is enough data.
func (c *MiradorCoreClient) FetchMetricSeries(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]MetricPoint, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var response struct {
		Series []struct {
			Timestamp time.Time `json:"timestamp"`
			Value     float64   `json:"value"`
		} `json:"series"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), signalPayload(resourceType, resourceID, start, end), &response); err != nil {
		return nil, fmt.Errorf("mirador-core metrics request failed: %w", err)
	}

	points := make([]MetricPoint, 0, len(response.Series))
	for _, sample := range response.Series {
		points = append(points, MetricPoint{Timestamp: sample.Timestamp, Value: sample.Value})
	}
	return points, nil
}

// FetchLogEntries queries mirador-core for log aggregates.
func (c *MiradorCoreClient) FetchLogEntries(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]LogEntry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var response struct {
		Entries []struct {
			Timestamp time.Time `json:"timestamp"`
			Message   string    `json:"message"`
			Severity  string    `json:"severity"`
			Count     int       `json:"count"`
		} `json:"entries"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), signalPayload(resourceType, resourceID, start, end), &response); err != nil {
		return nil, fmt.Errorf("mirador-core logs request failed: %w", err)
	}

	entries := make([]LogEntry, 0, len(response.Entries))
	for _, e := range response.Entries {
		entries = append(entries, LogEntry{
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Severity:  e.Severity,
			Count:     e.Count,
		})
	}
	return entries, nil
}

// FetchTraceSpans queries mirador-core for spans touching the resource.
func (c *MiradorCoreClient) FetchTraceSpans(ctx context.Context, resourceType, resourceID string, start, end time.Time) ([]TraceSpan, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var response struct {
		Spans []struct {
			TraceID    string    `json:"trace_id"`
			SpanID     string    `json:"span_id"`
			Service    string    `json:"service"`
			Operation  string    `json:"operation"`
			DurationMs float64   `json:"duration_ms"`
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"spans"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.tracesPath), signalPayload(resourceType, resourceID, start, end), &response); err != nil {
		return nil, fmt.Errorf("mirador-core traces request failed: %w", err)
	}

	spans := make([]TraceSpan, 0, len(response.Spans))
	for _, span := range response.Spans {
		spans = append(spans, TraceSpan{
			TraceID:   span.TraceID,
			SpanID:    span.SpanID,
			Service:   firstNonEmpty(span.Service, resourceID),
			Operation: span.Operation,
			Duration:  time.Duration(span.DurationMs * float64(time.Millisecond)),
			Status:    span.Status,
			Timestamp: span.Timestamp,
		})
	}
	return spans, nil
}

// FetchSLOStatus returns the error budget of the service owning the resource.
func (c *MiradorCoreClient) FetchSLOStatus(ctx context.Context, resourceType, resourceID string) (SLOStatus, error) {
	if err := c.ready(); err != nil {
		return SLOStatus{}, err
	}

	payload := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	var response struct {
		Objective       string   `json:"objective"`
		BudgetRemaining *float64 `json:"budget_remaining"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.sloPath), payload, &response); err != nil {
		return SLOStatus{}, fmt.Errorf("mirador-core slo request failed: %w", err)
	}
	if response.BudgetRemaining == nil {
		return SLOStatus{}, fmt.Errorf("mirador-core slo response missing budget_remaining")
	}
	remaining := *response.BudgetRemaining
	return SLOStatus{
		Objective:       response.Objective,
		BudgetRemaining: remaining,
		Exhausted:       remaining <= 0,
	}, nil
}

func (c *MiradorCoreClient) ready() error {
	if c == nil {
		return fmt.Errorf("mirador-core client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("mirador-core base URL not configured")
	}
	return nil
}

func (c *MiradorCoreClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *MiradorCoreClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	return postJSON(ctx, c.httpClient, endpoint, "", payload, out)
}

// postJSON sends payload and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError reports a non-200 upstream answer.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.Status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
