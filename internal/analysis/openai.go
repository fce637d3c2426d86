package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel    = "gpt-4o-mini"
	maxPayloadBytes = 16 * 1024
	systemPrompt    = "You are an incident response assistant for cloud infrastructure. Answer concisely in plain text."
)

// OpenAIConfig configures the chat completion backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIAnalyzer calls an OpenAI compatible chat completion endpoint.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIAnalyzer builds the analyzer. BaseURL allows compatible gateways.
func NewOpenAIAnalyzer(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("analysis api key not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

func (o *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return "", err
	}
	o.logger.Debug("requesting analysis", slog.String("model", o.model), slog.String("task", string(req.Task)))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildPrompt(req Request) (string, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal analysis payload: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		payload = payload[:maxPayloadBytes]
	}
	return fmt.Sprintf("%s\n\nContext (JSON):\n%s", req.Instructions, payload), nil
}
