// Package teacher maintains the slow-moving reference copy of the policy.
package teacher

import (
	"errors"
	"fmt"

	"sdpo-trainer/internal/model"
)

var ErrShapeMismatch = errors.New("teacher and policy parameters do not match")

// Blend returns (1-rho)*old + rho*policy elementwise without touching either
// input. Tensors are paired by position and must agree in name and shape.
func Blend(old, policy model.ParamSet, rho float64) (model.ParamSet, error) {
	if rho < 0 || rho > 1 {
		return nil, fmt.Errorf("update rate %v outside [0, 1]", rho)
	}
	if len(old) != len(policy) {
		return nil, fmt.Errorf("%w: %d vs %d tensors", ErrShapeMismatch, len(old), len(policy))
	}
	out := make(model.ParamSet, len(old))
	for i, t := range old {
		p := policy[i]
		if t.Name != p.Name || !t.SameShape(p) {
			return nil, fmt.Errorf("%w: %s%v vs %s%v", ErrShapeMismatch, t.Name, t.Shape, p.Name, p.Shape)
		}
		n := t.Clone()
		for j := range n.Data {
			n.Data[j] = (1-rho)*t.Data[j] + rho*p.Data[j]
		}
		out[i] = n
	}
	return out, nil
}

// EMA owns a structural clone of the policy taken once at construction. It
// exposes forward passes only; its weights change solely through Update.
type EMA struct {
	model model.Model
	rho   float64
}

func New(policy model.Model, rho float64) (*EMA, error) {
	if rho < 0 || rho > 1 {
		return nil, fmt.Errorf("update rate %v outside [0, 1]", rho)
	}
	m := policy.Clone()
	for _, p := range m.Params() {
		p.Frozen = true
	}
	return &EMA{model: m, rho: rho}, nil
}

// Forward runs the teacher on tokens.
func (e *EMA) Forward(tokens []int) [][]float64 { return e.model.Forward(tokens) }

func (e *EMA) VocabSize() int { return e.model.VocabSize() }

// Params returns a copy of the teacher weights for checkpointing.
func (e *EMA) Params() model.ParamSet { return e.model.Params().Clone() }

// Update blends the current policy weights into the teacher.
func (e *EMA) Update(policy model.Model) error {
	next, err := Blend(e.model.Params(), policy.Params(), e.rho)
	if err != nil {
		return err
	}
	return e.model.Params().CopyFrom(next)
}
