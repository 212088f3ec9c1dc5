package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Request is one rating call.
type Request struct {
	Model     string
	System    string
	User      string
	MaxTokens int
}

// Rater is the external judge service. Implementations return the rater's
// text or an error; they do not retry.
type Rater interface {
	Rate(ctx context.Context, req Request) (string, error)
}

// RaterFunc adapts a function to Rater.
type RaterFunc func(ctx context.Context, req Request) (string, error)

func (f RaterFunc) Rate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

const (
	anthropicAPIVersion = "2023-06-01"
	AnthropicBaseURL    = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicRater calls the Anthropic messages API over plain REST.
type AnthropicRater struct {
	httpClient *http.Client
	apiKey     string
	url        string
	log        *slog.Logger
}

// NewAnthropicRater returns a rater posting to url (AnthropicBaseURL when
// empty). Per-call deadlines come from the context.
func NewAnthropicRater(apiKey, url string, httpClient *http.Client, logger *slog.Logger) (*AnthropicRater, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is missing")
	}
	if url == "" {
		url = AnthropicBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicRater{httpClient: httpClient, apiKey: apiKey, url: url, log: logger}, nil
}

func (a *AnthropicRater) Rate(ctx context.Context, r Request) (string, error) {
	payload := anthropicRequest{
		Model:     r.Model,
		System:    r.System,
		MaxTokens: r.MaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: r.User}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read anthropic response: %w", err)
	}
	a.log.Debug("anthropic response", "status", resp.StatusCode, "bytes", len(respBody))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, snippet(respBody))
	}

	var out anthropicResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("anthropic error: %s - %s", out.Error.Type, out.Error.Message)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic response has no text content")
	}
	return sb.String(), nil
}

// OpenAIRater uses any OpenAI-compatible chat completions endpoint.
type OpenAIRater struct {
	client *openai.Client
}

// NewOpenAIRater builds a rater; baseURL may be empty for the public API.
func NewOpenAIRater(apiKey, baseURL string) (*OpenAIRater, error) {
	if apiKey == "" && baseURL == "" {
		return nil, errors.New("openai api key is missing")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIRater{client: openai.NewClientWithConfig(cfg)}, nil
}

func (o *OpenAIRater) Rate(ctx context.Context, r Request) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     r.Model,
		MaxTokens: r.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.System},
			{Role: openai.ChatMessageRoleUser, Content: r.User},
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

func snippet(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
