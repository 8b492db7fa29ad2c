package aiclient

import (
	"fmt"

	"github.com/tradingrun/agentrun/internal/config"
)

// Factory builds an AIClient from provider config.
type Factory func(config.AIProviderConfig) AIClient

var registry = map[string]Factory{
	"openai": func(cfg config.AIProviderConfig) AIClient { return NewOpenAIClient(cfg) },
}

// New builds the named provider's client.
func New(name string, cfg config.AIProviderConfig) (AIClient, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("aiclient: unknown provider %q", name)
	}
	return factory(cfg), nil
}

// Names returns the registered provider names, for debate-model validation.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
