// Package loss composes the per-rollout training objective: reward-weighted
// imitation of the sampled response, top-K Jensen-Shannon distillation
// towards the teacher, and cross-entropy on judge feedback for incorrect
// rollouts. Every term returns its analytic gradient with respect to the
// logits so the caller can back-propagate through the policy.
package loss

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"sdpo-trainer/internal/model"
)

const (
	renormFloor = 1e-8
	logFloor    = 1e-10
)

// Config holds the objective's constants.
type Config struct {
	RewardCorrect   float64 `yaml:"reward_correct"`
	RewardIncorrect float64 `yaml:"reward_incorrect"`
	Alpha           float64 `yaml:"alpha"`
	TopK            int     `yaml:"distillation_topk"`
	FeedbackWeight  float64 `yaml:"feedback_weight"`
}

func DefaultConfig() Config {
	return Config{
		RewardCorrect:   1.0,
		RewardIncorrect: -0.5,
		Alpha:           0.5,
		TopK:            100,
		FeedbackWeight:  0.3,
	}
}

func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha %v must be in (0, 1)", c.Alpha)
	}
	if c.TopK < 0 {
		return fmt.Errorf("distillation top-k %d must be >= 0", c.TopK)
	}
	if c.FeedbackWeight < 0 {
		return fmt.Errorf("feedback weight %v must be >= 0", c.FeedbackWeight)
	}
	return nil
}

// Forwarder produces next-token logits; row t scores tokens[t+1].
type Forwarder interface {
	Forward(tokens []int) [][]float64
}

// Sample is one verified rollout in token space. Prompt must hold at least one
// token. Feedback is only used for incorrect rollouts.
type Sample struct {
	Prompt   []int
	Response []int
	Feedback []int
	Correct  bool
}

// Components are the scalar terms of one rollout's loss.
type Components struct {
	Reward       float64 `json:"reward"`
	CrossEntropy float64 `json:"cross_entropy"`
	Imitation    float64 `json:"imitation"`
	Distillation float64 `json:"distillation"`
	Feedback     float64 `json:"feedback"`
	Total        float64 `json:"total"`
}

// SequenceGrad is dTotal/dLogits for one forward pass.
type SequenceGrad struct {
	Tokens  []int
	DLogits [][]float64
}

// Result is the loss of one rollout and the gradients that produce it.
type Result struct {
	Components
	Grads []SequenceGrad
}

// Composer computes Result for samples.
type Composer struct {
	cfg Config
}

func New(cfg Config) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Composer{cfg: cfg}, nil
}

func (c *Composer) Config() Config { return c.cfg }

// Reward maps a verdict to the imitation weight.
func (c *Composer) Reward(correct bool) float64 {
	if correct {
		return c.cfg.RewardCorrect
	}
	return c.cfg.RewardIncorrect
}

// Compute evaluates the loss of s. The teacher is only read.
func (c *Composer) Compute(policy, teacher Forwarder, s Sample) (Result, error) {
	if len(s.Prompt) == 0 {
		return Result{}, errors.New("sample has an empty prompt")
	}
	seq := concat(s.Prompt, s.Response)
	start := len(s.Prompt)

	studentLogits := policy.Forward(seq)
	teacherLogits := teacher.Forward(seq)

	ce, dCE := CrossEntropy(studentLogits, seq, start)
	jsd, dJSD := JSD(studentLogits, teacherLogits, start-1, len(seq)-1, c.cfg.Alpha, c.cfg.TopK)

	r := c.Reward(s.Correct)
	res := Result{Components: Components{
		Reward:       r,
		CrossEntropy: ce,
		Imitation:    r * ce,
		Distillation: jsd,
	}}

	dSeq := make([][]float64, len(seq)-1)
	for t := range dSeq {
		row := make([]float64, len(studentLogits[t]))
		if dCE != nil {
			for j, g := range dCE[t] {
				row[j] += r * g
			}
		}
		if dJSD != nil {
			for j, g := range dJSD[t] {
				row[j] += g
			}
		}
		dSeq[t] = row
	}
	if len(s.Response) > 0 {
		res.Grads = append(res.Grads, SequenceGrad{Tokens: seq, DLogits: dSeq})
	}

	if !s.Correct && len(s.Feedback) > 0 && c.cfg.FeedbackWeight > 0 {
		fbSeq := concat(s.Prompt, s.Feedback)
		fb, dFB := CrossEntropy(policy.Forward(fbSeq), fbSeq, start)
		res.Feedback = fb
		scale(dFB, c.cfg.FeedbackWeight)
		res.Grads = append(res.Grads, SequenceGrad{Tokens: fbSeq, DLogits: dFB})
	}

	res.Total = res.Imitation + res.Distillation + c.cfg.FeedbackWeight*res.Feedback
	return res, nil
}

// CrossEntropy is the mean negative log-likelihood of tokens[start:] under
// logits, where row t predicts tokens[t+1]. The gradient has len(tokens)-1
// rows, zero outside the scored range; it is nil when nothing is scored.
func CrossEntropy(logits [][]float64, tokens []int, start int) (float64, [][]float64) {
	if start < 1 {
		start = 1
	}
	n := len(tokens) - start
	if n <= 0 {
		return 0, nil
	}
	grad := make([][]float64, len(tokens)-1)
	for t := range grad {
		grad[t] = make([]float64, len(logits[t]))
	}
	var total float64
	inv := 1 / float64(n)
	for t := start - 1; t < len(tokens)-1; t++ {
		target := tokens[t+1]
		total += model.LogSumExp(logits[t]) - logits[t][target]
		probs := model.Softmax(logits[t])
		for j, p := range probs {
			grad[t][j] = p * inv
		}
		grad[t][target] -= inv
	}
	return total * inv, grad
}

// JSD is the mean over rows [from, to) of the Jensen-Shannon divergence
// between student and teacher, both restricted to the teacher's top-k
// entries and renormalized. topK <= 0 or >= vocab uses the full distribution.
// The gradient is with respect to the student logits; teacher logits are
// constants.
func JSD(student, teacher [][]float64, from, to int, alpha float64, topK int) (float64, [][]float64) {
	if from < 0 {
		from = 0
	}
	if to > len(student) {
		to = len(student)
	}
	if to <= from {
		return 0, nil
	}
	grad := make([][]float64, len(student))
	for t := range grad {
		grad[t] = make([]float64, len(student[t]))
	}
	var total float64
	inv := 1 / float64(to-from)
	for t := from; t < to; t++ {
		d, g := jsdRow(student[t], teacher[t], alpha, topK)
		total += d
		for j, v := range g {
			grad[t][j] = v * inv
		}
	}
	return total * inv, grad
}

func jsdRow(studentLogits, teacherLogits []float64, alpha float64, topK int) (float64, []float64) {
	s := model.Softmax(studentLogits)
	t := model.Softmax(teacherLogits)
	idx := topIndices(t, topK)

	var zs, zt float64
	for _, i := range idx {
		zs += s[i]
		zt += t[i]
	}
	zs = math.Max(zs, renormFloor)
	zt = math.Max(zt, renormFloor)

	var klS, klT, gBar float64
	g := make([]float64, len(idx))
	sh := make([]float64, len(idx))
	for k, i := range idx {
		ps := s[i] / zs
		pt := t[i] / zt
		m := alpha*ps + (1-alpha)*pt
		logM := math.Log(math.Max(m, logFloor))
		logS := math.Log(math.Max(ps, logFloor))
		klS += ps * (logS - logM)
		klT += pt * (math.Log(math.Max(pt, logFloor)) - logM)

		sh[k] = ps
		g[k] = alpha * (logS - logM)
		gBar += ps * g[k]
	}

	grad := make([]float64, len(s))
	for k, i := range idx {
		grad[i] = sh[k] * (g[k] - gBar)
	}
	return alpha*klS + (1-alpha)*klT, grad
}

// topIndices returns the indices of the k largest probabilities.
func topIndices(p []float64, k int) []int {
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	if k <= 0 || k >= len(p) {
		return idx
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	return idx[:k]
}

func concat(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func scale(g [][]float64, w float64) {
	for _, row := range g {
		for j := range row {
			row[j] *= w
		}
	}
}
