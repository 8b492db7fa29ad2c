// Package aiclient provides the capability each LLM provider implements:
// turning a system+user prompt pair into a raw completion (§6.2).
package aiclient

import "context"

// Completion is one provider call's raw output, before decision parsing.
type Completion struct {
	Content    string
	Model      string
	TokensUsed int
	LatencyMs  int
}

// AIClient is the capability the AI engine and the debate engine drive.
type AIClient interface {
	Name() string
	Enabled() bool
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error)
}
