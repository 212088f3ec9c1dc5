package generate

import (
	"context"
	"math/rand/v2"

	"sdpo-trainer/internal/model"
)

// PolicySampler generates rollouts from the local policy. It reads the
// model's current weights, so it must run on the goroutine that owns the
// model.
type PolicySampler struct {
	model model.Model
	tok   model.Tokenizer
	rng   *rand.Rand
}

func NewPolicySampler(m model.Model, tok model.Tokenizer, rng *rand.Rand) *PolicySampler {
	return &PolicySampler{model: m, tok: tok, rng: rng}
}

func (s *PolicySampler) Generate(ctx context.Context, chat Chat, p Params) ([]Completion, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := make([]Completion, 0, p.N)
	for range p.N {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids := s.sample(chat, p)
		out = append(out, Completion{Text: s.tok.Decode(ids), Tokens: ids})
	}
	return out, nil
}

// sample walks the chain one token at a time, feeding the model only the last
// token: the reference model conditions on nothing else.
func (s *PolicySampler) sample(chat Chat, p Params) []int {
	prompt := s.tok.Encode(RenderPrompt(chat))
	cur := s.tok.BOS()
	if len(prompt) > 0 {
		cur = prompt[len(prompt)-1]
	}
	var gen []int
	for range p.MaxNewTokens {
		logits := s.model.Forward([]int{cur})[0]
		next := model.NextToken(logits, p.Temperature, p.TopP, s.rng)
		if next == s.tok.EOS() {
			break
		}
		gen = append(gen, next)
		cur = next
	}
	return gen
}
