package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct {
	text  string
	err   error
	delay time.Duration
}

func (s stubAnalyzer) Analyze(ctx context.Context, _ Request) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func fallback() string { return "template" }

func TestWithFallback(t *testing.T) {
	ctx := context.Background()
	req := Request{Task: TaskIncidentSummary}

	text, ok := WithFallback(ctx, stubAnalyzer{text: "  from model \n"}, time.Second, req, fallback, nil)
	assert.True(t, ok)
	assert.Equal(t, "from model", text)

	text, ok = WithFallback(ctx, stubAnalyzer{err: errors.New("503")}, time.Second, req, fallback, nil)
	assert.False(t, ok)
	assert.Equal(t, "template", text)

	text, ok = WithFallback(ctx, stubAnalyzer{text: "   "}, time.Second, req, fallback, nil)
	assert.False(t, ok)
	assert.Equal(t, "template", text)

	text, ok = WithFallback(ctx, nil, time.Second, req, fallback, nil)
	assert.False(t, ok)
	assert.Equal(t, "template", text)

	text, ok = WithFallback(ctx, Disabled{}, time.Second, req, fallback, nil)
	assert.False(t, ok)
	assert.Equal(t, "template", text)
}

func TestWithFallbackHonoursTimeout(t *testing.T) {
	start := time.Now()
	text, ok := WithFallback(context.Background(), stubAnalyzer{text: "late", delay: time.Second}, 20*time.Millisecond, Request{}, fallback, nil)
	assert.False(t, ok)
	assert.Equal(t, "template", text)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOpenAIAnalyzerRequiresKey(t *testing.T) {
	_, err := NewOpenAIAnalyzer(OpenAIConfig{}, nil)
	require.Error(t, err)
}

func TestOpenAIAnalyzerCallsChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Contains(t, body.Messages[1].Content, `"severity":9`)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Instance stopped."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test"}, nil)
	require.NoError(t, err)

	text, err := a.Analyze(context.Background(), Request{
		Task:         TaskIncidentSummary,
		Instructions: "Summarise.",
		Payload:      map[string]any{"severity": 9},
	})
	require.NoError(t, err)
	assert.Equal(t, "Instance stopped.", text)
}

func TestOpenAIAnalyzerSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := NewOpenAIAnalyzer(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), Request{Payload: map[string]any{}})
	require.Error(t, err)
}
