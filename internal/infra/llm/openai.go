package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// OpenAIConfig holds settings for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey    string  `yaml:"api_key"`
	BaseURL   string  `yaml:"base_url"`   // empty = api.openai.com
	Model     string  `yaml:"model"`      // overrides the requested model when set
	MaxTokens int     `yaml:"max_tokens"` // 0 = provider default
	Temp      float32 `yaml:"temperature"`
}

// OpenAITransport calls the chat completions endpoint.
type OpenAITransport struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAITransport creates a transport for an OpenAI-compatible API.
func NewOpenAITransport(cfg OpenAIConfig) (*OpenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai transport: api_key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAITransport{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: slog.Default().With("component", "openai"),
	}, nil
}

// Invoke sends the transcript as chat messages and returns the first choice.
func (o *OpenAITransport) Invoke(ctx context.Context, transcript domain.Transcript, model string) (string, error) {
	if o.cfg.Model != "" {
		model = o.cfg.Model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toMessages(transcript),
	}
	if o.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = o.cfg.MaxTokens
	}
	if o.cfg.Temp > 0 {
		req.Temperature = o.cfg.Temp
	}

	o.logger.Debug("Creating chat completion", "model", model, "turns", len(transcript))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	o.logger.Debug("Received chat completion", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

func toMessages(transcript domain.Transcript) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(transcript))
	for _, t := range transcript {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case domain.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case domain.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}
