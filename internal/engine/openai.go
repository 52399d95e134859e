package engine

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine talks to the OpenAI API or any OpenAI-compatible endpoint.
type OpenAIEngine struct {
	client      *openai.Client
	temperature float32
}

// NewOpenAIEngine creates an OpenAIEngine. An empty baseURL keeps the
// library default (api.openai.com).
func NewOpenAIEngine(apiKey, baseURL string, temperature float64) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(cfg),
		temperature: float32(temperature),
	}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: e.temperature,
	}
	if jsonSchema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err, model)
	}
	if len(resp.Choices) == 0 {
		return "", ClassifyError(fmt.Errorf("no choices in response"), model)
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, classifyOpenAIError(err, model)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ClassifyError(fmt.Errorf("empty embeddings in response"), model)
	}
	return resp.Data[0].Embedding, nil
}

func classifyOpenAIError(err error, model string) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return NewStatusError(apiErr.HTTPStatusCode, model, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return NewStatusError(reqErr.HTTPStatusCode, model, err)
	}
	return ClassifyError(err, model)
}
