package aiclient

import (
	"context"
	"time"
)

// MockClient returns a fixed completion, for debate-engine and decision
// parser tests that don't need a real LLM round trip.
type MockClient struct {
	NameValue    string
	Response     string
	Err          error
	ArtificialMs int
}

// NewMockClient builds a MockClient that always returns response.
func NewMockClient(name, response string) *MockClient {
	return &MockClient{NameValue: name, Response: response}
}

func (m *MockClient) Name() string  { return m.NameValue }
func (m *MockClient) Enabled() bool { return true }

func (m *MockClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	if m.ArtificialMs > 0 {
		select {
		case <-time.After(time.Duration(m.ArtificialMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &Completion{
		Content:    m.Response,
		Model:      m.NameValue,
		TokensUsed: len(m.Response) / 4,
		LatencyMs:  m.ArtificialMs,
	}, nil
}
