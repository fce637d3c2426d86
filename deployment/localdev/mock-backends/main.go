package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Count     int       `json:"count"`
}

type traceSpan struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	Service    string    `json:"service"`
	Operation  string    `json:"operation"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

type signalRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

type dispatchRequest struct {
	Mechanism    string            `json:"mechanism"`
	ResourceType string            `json:"resource_type"`
	Parameters   map[string]string `json:"parameters"`
}

// main serves mirador-core style signal and SLO endpoints plus the three remediation
// backends so the responder can run end to end on a laptop.
//
//	MOCK_ADDR          listen address (default :8080)
//	MOCK_SLO_BUDGET    remaining error budget returned by the SLO endpoint (default 0.6)
//	MOCK_REJECT        when "true", remediation backends reject every request
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("component", "mock-backends"))

	addr := envOr("MOCK_ADDR", ":8080")
	budget, err := strconv.ParseFloat(envOr("MOCK_SLO_BUDGET", "0.6"), 64)
	if err != nil {
		logger.Error("invalid MOCK_SLO_BUDGET", slog.Any("error", err))
		os.Exit(1)
	}
	reject := envOr("MOCK_REJECT", "false") == "true"

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/signals/metrics", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := decodeSignal(w, r); !ok {
			return
		}
		now := time.Now()
		series := make([]seriesPoint, 0, 12)
		for i := 11; i >= 0; i-- {
			value := 40.0 + float64(i%3)
			if i == 0 {
				value = 97.5
			}
			series = append(series, seriesPoint{Timestamp: now.Add(-time.Duration(i) * time.Minute), Value: value})
		}
		writeJSON(w, logger, map[string]any{"series": series})
	})

	mux.HandleFunc("/api/v1/signals/logs", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSignal(w, r)
		if !ok {
			return
		}
		writeJSON(w, logger, map[string]any{
			"entries": []logEntry{
				{Timestamp: time.Now().Add(-3 * time.Minute), Message: fmt.Sprintf("%s %s health check failed", req.ResourceType, req.ResourceID), Severity: "error", Count: 12},
				{Timestamp: time.Now().Add(-2 * time.Minute), Message: "instance state changed to stopping", Severity: "warn", Count: 1},
			},
		})
	})

	mux.HandleFunc("/api/v1/signals/traces", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSignal(w, r)
		if !ok {
			return
		}
		writeJSON(w, logger, map[string]any{
			"spans": []traceSpan{
				{
					TraceID:    "trace-abc",
					SpanID:     "span-1",
					Service:    req.ResourceID,
					Operation:  "HTTP GET /health",
					DurationMs: 1450,
					Status:     "error",
					Timestamp:  time.Now().Add(-90 * time.Second),
				},
				{
					TraceID:    "trace-abc",
					SpanID:     "span-2",
					Service:    req.ResourceID,
					Operation:  "DB query",
					DurationMs: 120,
					Status:     "ok",
					Timestamp:  time.Now().Add(-80 * time.Second),
				},
			},
		})
	})

	mux.HandleFunc("/api/v1/slo/budget", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeSignal(w, r)
		if !ok {
			return
		}
		writeJSON(w, logger, map[string]any{
			"objective":        req.ResourceType + "-availability-99.9",
			"budget_remaining": budget,
		})
	})

	var dispatched atomic.Int64
	for _, mechanism := range []string{"infrastructure-apply", "automation-document", "function-invocation"} {
		mux.HandleFunc("/api/v1/remediation/"+mechanism, func(w http.ResponseWriter, r *http.Request) {
			if !enforcePost(w, r) {
				return
			}
			var req dispatchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if reject {
				writeJSON(w, logger, map[string]any{"accepted": false})
				return
			}
			n := dispatched.Add(1)
			logger.Info("remediation accepted",
				slog.String("mechanism", req.Mechanism),
				slog.String("resource_type", req.ResourceType),
				slog.Any("parameters", req.Parameters),
			)
			writeJSON(w, logger, map[string]any{
				"accepted":     true,
				"reference_id": fmt.Sprintf("%s-%d", mechanism, n),
			})
		})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeSignal(w http.ResponseWriter, r *http.Request) (signalRequest, bool) {
	if !enforcePost(w, r) {
		return signalRequest{}, false
	}
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return signalRequest{}, false
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		http.Error(w, "resource_type and resource_id are required", http.StatusBadRequest)
		return signalRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
