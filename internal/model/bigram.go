package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

const (
	ParamEmbedding = "wte"
	ParamAdapterA  = "lora_a"
	ParamAdapterB  = "lora_b"
)

// Model is the contract the trainer needs from a sequence model. Forward
// returns one row of next-token logits per input position: row t scores
// tokens[t+1].
type Model interface {
	Config() Config
	VocabSize() int
	Forward(tokens []int) [][]float64
	// Backward accumulates dLoss/dLogits into the trainable parameters.
	// dLogits may be shorter than tokens.
	Backward(tokens []int, dLogits [][]float64)
	Params() ParamSet
	Clone() Model
}

// Merger is implemented by models that carry a separable adapter.
type Merger interface {
	HasAdapter() bool
	// Merge folds the adapter into the base weights and returns an
	// adapter-free model.
	Merge() Model
}

// Config describes the architecture. Rank 0 means no adapter.
type Config struct {
	Vocab int     `json:"vocab"`
	Rank  int     `json:"rank,omitempty"`
	Alpha float64 `json:"alpha,omitempty"`
}

func (c Config) scale() float64 {
	if c.Rank == 0 {
		return 0
	}
	if c.Alpha == 0 {
		return 1
	}
	return c.Alpha / float64(c.Rank)
}

// Bigram is a next-token model whose logits depend on the current token only:
// logits(t) = W[tok] + (alpha/rank) * A[tok]·B. With an adapter attached the
// base table is frozen and only A and B train.
type Bigram struct {
	cfg    Config
	params ParamSet
	w      *Param
	a, b   *Param
}

// NewBigram initializes a base model with small Gaussian weights.
func NewBigram(vocab int, rng *rand.Rand) (*Bigram, error) {
	if vocab < 2 {
		return nil, fmt.Errorf("vocab size %d too small", vocab)
	}
	w := NewParam(ParamEmbedding, vocab, vocab)
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * 0.02
	}
	return &Bigram{cfg: Config{Vocab: vocab}, params: ParamSet{w}, w: w}, nil
}

// FromParams rebuilds a model from stored tensors.
func FromParams(cfg Config, ps ParamSet) (*Bigram, error) {
	w := ps.Get(ParamEmbedding)
	if w == nil {
		return nil, errors.New("missing embedding table")
	}
	if len(w.Shape) != 2 || w.Shape[0] != cfg.Vocab || w.Shape[1] != cfg.Vocab {
		return nil, fmt.Errorf("embedding shape %v does not match vocab %d", w.Shape, cfg.Vocab)
	}
	m := &Bigram{cfg: cfg, w: w, params: ParamSet{w}}
	if cfg.Rank > 0 {
		a, b := ps.Get(ParamAdapterA), ps.Get(ParamAdapterB)
		if a == nil || b == nil {
			return nil, errors.New("config has an adapter but tensors are missing")
		}
		if a.Size() != cfg.Vocab*cfg.Rank || b.Size() != cfg.Rank*cfg.Vocab {
			return nil, fmt.Errorf("adapter shapes %v/%v do not match rank %d", a.Shape, b.Shape, cfg.Rank)
		}
		m.a, m.b = a, b
		m.params = append(m.params, a, b)
	}
	for _, p := range m.params {
		p.ensureGrad()
	}
	return m, nil
}

// AttachAdapter freezes the base table and adds a rank-r adapter. B starts at
// zero so the model output is unchanged until the first step.
func (m *Bigram) AttachAdapter(rank int, alpha float64, rng *rand.Rand) error {
	if m.a != nil {
		return errors.New("adapter already attached")
	}
	if rank <= 0 || rank > m.cfg.Vocab {
		return fmt.Errorf("adapter rank %d out of range", rank)
	}
	v := m.cfg.Vocab
	a := NewParam(ParamAdapterA, v, rank)
	for i := range a.Data {
		a.Data[i] = rng.NormFloat64() / float64(rank)
	}
	b := NewParam(ParamAdapterB, rank, v)
	m.w.Frozen = true
	m.a, m.b = a, b
	m.params = append(m.params, a, b)
	m.cfg.Rank = rank
	m.cfg.Alpha = alpha
	return nil
}

func (m *Bigram) Config() Config { return m.cfg }

func (m *Bigram) VocabSize() int { return m.cfg.Vocab }

func (m *Bigram) Params() ParamSet { return m.params }

func (m *Bigram) HasAdapter() bool { return m.a != nil }

// Clone returns an independent copy with the same frozen flags.
func (m *Bigram) Clone() Model {
	c, err := FromParams(m.cfg, m.params.Clone())
	if err != nil {
		panic(fmt.Sprintf("clone of a valid model failed: %v", err))
	}
	return c
}

// Forward panics if a token is outside the vocabulary.
func (m *Bigram) Forward(tokens []int) [][]float64 {
	v := m.cfg.Vocab
	out := make([][]float64, len(tokens))
	for t, tok := range tokens {
		row := make([]float64, v)
		copy(row, m.w.Data[tok*v:(tok+1)*v])
		if m.a != nil {
			m.addAdapter(tok, row)
		}
		out[t] = row
	}
	return out
}

func (m *Bigram) addAdapter(tok int, row []float64) {
	v, r, s := m.cfg.Vocab, m.cfg.Rank, m.cfg.scale()
	h := m.a.Data[tok*r : (tok+1)*r]
	for k, hk := range h {
		if hk == 0 {
			continue
		}
		bk := m.b.Data[k*v : (k+1)*v]
		for j := range row {
			row[j] += s * hk * bk[j]
		}
	}
}

func (m *Bigram) Backward(tokens []int, dLogits [][]float64) {
	v := m.cfg.Vocab
	for t, d := range dLogits {
		if t >= len(tokens) {
			break
		}
		tok := tokens[t]
		if !m.w.Frozen {
			g := m.w.Grad[tok*v : (tok+1)*v]
			for j, dj := range d {
				g[j] += dj
			}
		}
		if m.a != nil {
			m.backwardAdapter(tok, d)
		}
	}
}

func (m *Bigram) backwardAdapter(tok int, d []float64) {
	v, r, s := m.cfg.Vocab, m.cfg.Rank, m.cfg.scale()
	h := m.a.Data[tok*r : (tok+1)*r]
	ga := m.a.Grad[tok*r : (tok+1)*r]
	for k := 0; k < r; k++ {
		bk := m.b.Data[k*v : (k+1)*v]
		gb := m.b.Grad[k*v : (k+1)*v]
		var dh float64
		for j, dj := range d {
			gb[j] += s * h[k] * dj
			dh += bk[j] * dj
		}
		if !m.a.Frozen {
			ga[k] += s * dh
		}
	}
}

// Merge returns a trainable adapter-free model whose base table equals
// W + (alpha/rank)·A·B. Without an adapter it returns a plain clone.
func (m *Bigram) Merge() Model {
	v := m.cfg.Vocab
	w := m.w.Clone()
	w.Frozen = false
	if m.a != nil {
		for tok := 0; tok < v; tok++ {
			m.addAdapter(tok, w.Data[tok*v:(tok+1)*v])
		}
	}
	return &Bigram{cfg: Config{Vocab: v}, params: ParamSet{w}, w: w}
}
