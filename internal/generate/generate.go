// Package generate defines the rollout generation contract and its two
// implementations: a remote OpenAI-compatible server and a local sampler
// over the policy being trained.
package generate

import (
	"context"
	"fmt"
	"strings"
)

// DefaultSystem is the tutor instruction prepended to every problem.
const DefaultSystem = "You are an expert IIT JEE tutor. Solve problems step-by-step using LaTeX notation. " +
	"Show all work clearly and arrive at the final answer."

// Params are the sampling knobs for one call.
type Params struct {
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	N            int     `yaml:"num_rollouts"`
}

func (p Params) Validate() error {
	if p.N <= 0 {
		return fmt.Errorf("sample count %d must be positive", p.N)
	}
	if p.MaxNewTokens <= 0 {
		return fmt.Errorf("max new tokens %d must be positive", p.MaxNewTokens)
	}
	if p.Temperature < 0 {
		return fmt.Errorf("temperature %v must be >= 0", p.Temperature)
	}
	if p.TopP <= 0 || p.TopP > 1 {
		return fmt.Errorf("top_p %v must be in (0, 1]", p.TopP)
	}
	return nil
}

// Chat is a single-turn conversation to complete.
type Chat struct {
	System string
	User   string
}

// Completion is one sampled response. Tokens holds the sampled ids when the
// generator ran the local policy; remote backends leave it nil and the
// trainer re-encodes Text.
type Completion struct {
	Text   string
	Tokens []int
}

// Generator returns exactly p.N independently sampled completions.
type Generator interface {
	Generate(ctx context.Context, chat Chat, p Params) ([]Completion, error)
}

const (
	tagSystem    = "<|system|>\n"
	tagUser      = "<|user|>\n"
	tagAssistant = "<|assistant|>\n"
)

// RenderPrompt lays out the chat up to the point where the assistant starts
// speaking. The trainer scores responses and feedback after this prefix.
func RenderPrompt(c Chat) string {
	var b strings.Builder
	if c.System != "" {
		b.WriteString(tagSystem)
		b.WriteString(c.System)
		b.WriteString("\n")
	}
	b.WriteString(tagUser)
	b.WriteString(c.User)
	b.WriteString("\n")
	b.WriteString(tagAssistant)
	return b.String()
}
