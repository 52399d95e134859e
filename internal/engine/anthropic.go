package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

// ErrEmbeddingsUnsupported is returned by backends without an embeddings API.
var ErrEmbeddingsUnsupported = fmt.Errorf("backend does not provide embeddings")

// AnthropicEngine provides chat completions through the Anthropic Messages API.
// It has no embeddings endpoint; pair it with another backend for Embed.
type AnthropicEngine struct {
	client    *anthropic.Client
	maxTokens int
}

// NewAnthropicEngine creates an AnthropicEngine. maxTokens <= 0 defaults to 2048.
func NewAnthropicEngine(apiKey string, maxTokens int) *AnthropicEngine {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicEngine{client: anthropic.NewClient(apiKey), maxTokens: maxTokens}
}

// Chat folds system messages into the first user turn, since the request
// carries them as plain text blocks.
func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, _ *Schema) (string, error) {
	var system []string
	var msgs []anthropic.Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		text := m.Content
		if len(system) > 0 && len(msgs) == 0 {
			text = strings.Join(system, "\n\n") + "\n\n" + text
		}
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		msgs = append(msgs, anthropic.Message{Role: role, Content: []anthropic.MessageContent{
			{Type: "text", Text: &text},
		}})
	}
	if len(msgs) == 0 && len(system) > 0 {
		text := strings.Join(system, "\n\n")
		msgs = append(msgs, anthropic.Message{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
			{Type: "text", Text: &text},
		}})
	}

	resp, err := e.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		MaxTokens: e.maxTokens,
		Messages:  msgs,
	})
	if err != nil {
		return "", ClassifyError(err, model)
	}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			return *block.Text, nil
		}
	}
	return "", ClassifyError(fmt.Errorf("no text content in response"), model)
}

func (e *AnthropicEngine) Embed(_ context.Context, model string, _ string) ([]float32, error) {
	return nil, &Error{Type: ErrorTypeModel, Message: "anthropic", Model: model, Cause: ErrEmbeddingsUnsupported}
}
