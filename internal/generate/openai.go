package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator samples from any OpenAI-compatible chat completions server
// (vLLM, llama.cpp, the public API).
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey, baseURL, model string) (*OpenAIGenerator, error) {
	if model == "" {
		return nil, errors.New("generation model name is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Generate asks for the remaining samples until p.N are collected; servers
// that ignore n still end up returning enough.
func (g *OpenAIGenerator) Generate(ctx context.Context, chat Chat, p Params) ([]Completion, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if chat.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: chat.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: chat.User})

	out := make([]Completion, 0, p.N)
	for len(out) < p.N {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    msgs,
			Temperature: float32(p.Temperature),
			TopP:        float32(p.TopP),
			MaxTokens:   p.MaxNewTokens,
			N:           p.N - len(out),
		})
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("chat completion returned no choices")
		}
		for _, c := range resp.Choices {
			if len(out) == p.N {
				break
			}
			out = append(out, Completion{Text: c.Message.Content})
		}
	}
	return out, nil
}
