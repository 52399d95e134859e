package engine

import (
	"context"
	"fmt"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// BackendConfig holds the parameters needed to construct backends.
type BackendConfig struct {
	Provider      string
	EmbedProvider string // empty means same as Provider

	OllamaBaseURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	AnthropicAPIKey    string
	AnthropicMaxTokens int

	Temperature float64
}

// New builds the Engine selected by cfg. When chat and embeddings come
// from different providers the result routes each call to its backend.
func New(cfg BackendConfig) (Engine, error) {
	embedProvider := cfg.EmbedProvider
	if embedProvider == "" {
		embedProvider = cfg.Provider
	}
	if embedProvider == ProviderAnthropic {
		return nil, fmt.Errorf("provider %q has no embeddings API; set llm.embed_provider to %q or %q",
			ProviderAnthropic, ProviderOpenAI, ProviderOllama)
	}

	chat, err := build(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	if embedProvider == cfg.Provider {
		return chat, nil
	}

	embed, err := build(embedProvider, cfg)
	if err != nil {
		return nil, err
	}
	return &split{chat: chat, embed: embed}, nil
}

func build(provider string, cfg BackendConfig) (Engine, error) {
	switch provider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("openai provider requires an API key (ASKCUBE_OPENAI_API_KEY)")
		}
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Temperature), nil
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key (ASKCUBE_ANTHROPIC_API_KEY)")
		}
		return NewAnthropicEngine(cfg.AnthropicAPIKey, cfg.AnthropicMaxTokens), nil
	case ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

// split routes chat and embedding calls to different backends.
type split struct {
	chat  Engine
	embed Engine
}

func (s *split) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	return s.chat.Chat(ctx, model, messages, jsonSchema)
}

func (s *split) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return s.embed.Embed(ctx, model, text)
}
