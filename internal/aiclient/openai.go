package aiclient

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tradingrun/agentrun/internal/config"
)

// OpenAIClient is the default AIClient, built on the go-openai SDK rather
// than the teacher's hand-rolled net/http client (§1B "DOMAIN STACK").
type OpenAIClient struct {
	client  *openai.Client
	model   string
	enabled bool
}

// NewOpenAIClient builds an OpenAIClient from provider config.
func NewOpenAIClient(cfg config.AIProviderConfig) *OpenAIClient {
	return &OpenAIClient{
		client:  openai.NewClient(cfg.APIKey),
		model:   cfg.Model,
		enabled: cfg.Enabled,
	}
}

func (c *OpenAIClient) Name() string   { return "openai" }
func (c *OpenAIClient) Enabled() bool  { return c.enabled }

func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai client: empty response")
	}

	return &Completion{
		Content:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
		LatencyMs:  int(time.Since(start).Milliseconds()),
	}, nil
}
