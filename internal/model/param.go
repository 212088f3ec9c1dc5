// Package model holds the trainable sequence model used by the trainer: named
// parameter tensors, a bigram language model with an optional low-rank
// adapter, the AdamW optimizer and the tokenizers.
package model

import (
	"fmt"
	"math"
)

// Param is one named tensor stored row-major. Grad has the same length as
// Data; frozen tensors never receive gradients.
type Param struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Data   []float64 `json:"data"`
	Grad   []float64 `json:"-"`
	Frozen bool      `json:"frozen,omitempty"`
}

// NewParam allocates a zeroed tensor.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// Size is the number of elements.
func (p *Param) Size() int { return len(p.Data) }

// Clone deep-copies data; the copy starts with zero gradients.
func (p *Param) Clone() *Param {
	return &Param{
		Name:   p.Name,
		Shape:  append([]int(nil), p.Shape...),
		Data:   append([]float64(nil), p.Data...),
		Grad:   make([]float64, len(p.Data)),
		Frozen: p.Frozen,
	}
}

// SameShape reports whether p and q have identical shapes.
func (p *Param) SameShape(q *Param) bool {
	if len(p.Shape) != len(q.Shape) || len(p.Data) != len(q.Data) {
		return false
	}
	for i := range p.Shape {
		if p.Shape[i] != q.Shape[i] {
			return false
		}
	}
	return true
}

func (p *Param) ensureGrad() {
	if len(p.Grad) != len(p.Data) {
		p.Grad = make([]float64, len(p.Data))
	}
}

// ParamSet is an ordered collection of tensors. Order is stable and is what
// pairs the policy with its teacher.
type ParamSet []*Param

// Clone deep-copies every tensor.
func (ps ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

// Get returns the tensor with the given name or nil.
func (ps ParamSet) Get(name string) *Param {
	for _, p := range ps {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Trainable filters out frozen tensors.
func (ps ParamSet) Trainable() ParamSet {
	out := make(ParamSet, 0, len(ps))
	for _, p := range ps {
		if !p.Frozen {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears accumulated gradients.
func (ps ParamSet) ZeroGrad() {
	for _, p := range ps {
		p.ensureGrad()
		clear(p.Grad)
	}
}

// GradNorm is the global L2 norm over all gradients.
func (ps ParamSet) GradNorm() float64 {
	var sum float64
	for _, p := range ps {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping. maxNorm <= 0 disables clipping.
func (ps ParamSet) ClipGradNorm(maxNorm float64) float64 {
	norm := ps.GradNorm()
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range ps {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

// CopyFrom overwrites the data of ps with src, matched by name.
func (ps ParamSet) CopyFrom(src ParamSet) error {
	if len(ps) != len(src) {
		return fmt.Errorf("param count mismatch: have %d, got %d", len(ps), len(src))
	}
	for _, p := range ps {
		q := src.Get(p.Name)
		if q == nil {
			return fmt.Errorf("param %q missing", p.Name)
		}
		if !p.SameShape(q) {
			return fmt.Errorf("param %q shape mismatch: have %v, got %v", p.Name, p.Shape, q.Shape)
		}
		copy(p.Data, q.Data)
	}
	return nil
}
