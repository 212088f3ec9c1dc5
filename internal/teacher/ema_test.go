package teacher

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdpo-trainer/internal/model"
)

func TestBlendExactElementwise(t *testing.T) {
	old := model.ParamSet{
		{Name: "a", Shape: []int{3}, Data: []float64{1, -2, 0.5}},
		{Name: "b", Shape: []int{1, 2}, Data: []float64{10, 0}},
	}
	policy := model.ParamSet{
		{Name: "a", Shape: []int{3}, Data: []float64{3, 4, 0.5}},
		{Name: "b", Shape: []int{1, 2}, Data: []float64{-10, 7}},
	}
	got, err := Blend(old, policy, 0.05)
	require.NoError(t, err)

	for i := range old {
		for j := range old[i].Data {
			want := 0.95*old[i].Data[j] + 0.05*policy[i].Data[j]
			assert.Equal(t, want, got[i].Data[j], "%s[%d]", old[i].Name, j)
		}
	}
	// Inputs are untouched.
	assert.Equal(t, []float64{1, -2, 0.5}, old[0].Data)
	assert.Equal(t, []float64{3, 4, 0.5}, policy[0].Data)
}

func TestBlendRejectsMismatch(t *testing.T) {
	a := model.ParamSet{model.NewParam("w", 2, 2)}
	_, err := Blend(a, model.ParamSet{model.NewParam("w", 4)}, 0.1)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = Blend(a, model.ParamSet{model.NewParam("v", 2, 2)}, 0.1)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = Blend(a, model.ParamSet{}, 0.1)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = Blend(a, a, 1.5)
	assert.Error(t, err)
}

func TestEMAUpdate(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	policy, err := model.NewBigram(4, rng)
	require.NoError(t, err)
	ema, err := New(policy, 0.05)
	require.NoError(t, err)

	before := ema.Params()
	tokens := []int{0, 1, 2, 3}
	assert.Equal(t, policy.Forward(tokens), ema.Forward(tokens))

	// Simulate an optimizer step on the policy only.
	for i := range policy.Params()[0].Data {
		policy.Params()[0].Data[i] += 1
	}
	assert.Equal(t, before[0].Data, ema.Params()[0].Data, "policy writes must not alias the teacher")

	require.NoError(t, ema.Update(policy))
	after := ema.Params()
	for j, old := range before[0].Data {
		assert.Equal(t, 0.95*old+0.05*policy.Params()[0].Data[j], after[0].Data[j])
	}
	assert.True(t, after[0].Frozen)
	assert.False(t, policy.Params()[0].Frozen)
}

func TestEMAWithAdapter(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	policy, err := model.NewBigram(5, rng)
	require.NoError(t, err)
	require.NoError(t, policy.AttachAdapter(2, 4, rng))
	ema, err := New(policy, 0.5)
	require.NoError(t, err)

	b := policy.Params().Get(model.ParamAdapterB)
	for i := range b.Data {
		b.Data[i] = 2
	}
	require.NoError(t, ema.Update(policy))
	for _, v := range ema.Params()[2].Data {
		assert.Equal(t, 1.0, v)
	}
}
