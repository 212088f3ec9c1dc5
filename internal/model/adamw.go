package model

import "math"

// AdamW is Adam with decoupled weight decay. State is keyed by parameter
// name, so the optimizer survives a model rebuilt from the same tensors.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	t int
	m map[string][]float64
	v map[string][]float64
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

// Step updates every non-frozen tensor in ps from its accumulated gradient.
// Non-finite gradients are treated as zero.
func (o *AdamW) Step(ps ParamSet) {
	o.t++
	t := float64(o.t)
	bc1 := 1 - math.Pow(o.Beta1, t)
	bc2 := 1 - math.Pow(o.Beta2, t)

	for _, p := range ps {
		if p.Frozen {
			continue
		}
		m, ok := o.m[p.Name]
		if !ok || len(m) != len(p.Data) {
			m = make([]float64, len(p.Data))
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok || len(v) != len(p.Data) {
			v = make([]float64, len(p.Data))
			o.v[p.Name] = v
		}
		for i := range p.Data {
			g := p.Grad[i]
			if math.IsNaN(g) || math.IsInf(g, 0) {
				g = 0
			}
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= o.LR * o.WeightDecay * p.Data[i]
			p.Data[i] -= o.LR * mHat / (math.Sqrt(vHat) + o.Eps)
		}
	}
}
