package trainer

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/checkpoint"
	"sdpo-trainer/internal/feedback"
	"sdpo-trainer/internal/generate"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/loss"
	"sdpo-trainer/internal/model"
	"sdpo-trainer/internal/schemas"
	"sdpo-trainer/internal/teacher"
)

// scripted answers every known question once correctly and once wrongly.
type scripted struct {
	truths map[string]string
}

func (g scripted) Generate(ctx context.Context, chat generate.Chat, p generate.Params) ([]generate.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gt, ok := g.truths[chat.User]
	if !ok {
		return nil, errors.New("backend unavailable")
	}
	outs := []generate.Completion{
		{Text: "Adding gives the result.\n**Answer:** " + gt},
		{Text: "I guess.\n**Answer:** 999"},
	}
	return outs[:p.N], nil
}

// sampled returns fixed token completions, as the local policy sampler does.
type sampled struct {
	outs [][]int
}

func (g sampled) Generate(_ context.Context, _ generate.Chat, p generate.Params) ([]generate.Completion, error) {
	tok := model.ByteTokenizer{}
	out := make([]generate.Completion, 0, p.N)
	for _, ids := range g.outs[:p.N] {
		out = append(out, generate.Completion{Text: tok.Decode(ids), Tokens: ids})
	}
	return out, nil
}

type backwardCall struct {
	tokens  []int
	dLogits [][]float64
}

// recordingModel keeps a copy of every gradient handed to Backward.
type recordingModel struct {
	*model.Bigram
	calls []backwardCall
}

func (m *recordingModel) Backward(tokens []int, dLogits [][]float64) {
	rows := make([][]float64, len(dLogits))
	for i, r := range dLogits {
		rows[i] = slices.Clone(r)
	}
	m.calls = append(m.calls, backwardCall{tokens: slices.Clone(tokens), dLogits: rows})
	m.Bigram.Backward(tokens, dLogits)
}

type memRecorder struct {
	mu    sync.Mutex
	steps []schemas.StepRecord
	verds []schemas.VerificationRecord
}

func (r *memRecorder) RecordStep(_ context.Context, s schemas.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s)
	return nil
}

func (r *memRecorder) RecordVerifications(_ context.Context, vs []schemas.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verds = append(r.verds, vs...)
	return nil
}

var trainPrompts = []schemas.Prompt{
	{Prompt: "What is 3+4?", GroundTruth: "7", Subject: "Mathematics"},
	{Prompt: "What is 5+6?", GroundTruth: "11", Subject: "Mathematics"},
	{Prompt: "Max height for u=20 m/s, g=10?", GroundTruth: "20", Subject: "Physics"},
	{Prompt: "Atomic number of carbon?", GroundTruth: "6", Subject: "Chemistry"},
	{Prompt: "Which option is prime? (A) 4 (B) 9 (C) 7 (D) 8", GroundTruth: "C", Subject: "Mathematics"},
}

type fixture struct {
	loop      *Loop
	policy    *model.Bigram
	teacher   *teacher.EMA
	optimizer *model.AdamW
	composer  *loss.Composer
	calls    *atomic.Int32
	recorder *memRecorder
	root     string
	output   string
}

func newFixture(t *testing.T, opts Options, mods ...func(*Deps)) fixture {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	policy, err := model.NewBigram(model.ByteTokenizer{}.VocabSize(), rng)
	require.NoError(t, err)
	require.NoError(t, policy.AttachAdapter(4, 8, rng))

	ema, err := teacher.New(policy, 0.05)
	require.NoError(t, err)
	composer, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)

	cache, err := feedback.Open(filepath.Join(t.TempDir(), "judge_cache.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var calls atomic.Int32
	rater := judge.RaterFunc(func(context.Context, judge.Request) (string, error) {
		calls.Add(1)
		return "Check the arithmetic in the last step.", nil
	})
	j, err := judge.New(judge.Config{Workers: 2}, rater, cache, nil)
	require.NoError(t, err)

	truths := map[string]string{}
	for _, p := range trainPrompts {
		truths[p.Prompt] = p.GroundTruth
	}

	dir := t.TempDir()
	root, output := filepath.Join(dir, "checkpoints"), filepath.Join(dir, "sdpo-model")
	rec := &memRecorder{}

	if opts.Epochs == 0 {
		opts.Epochs = 2
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 2
	}
	if opts.GradAccum == 0 {
		opts.GradAccum = 2
	}
	if opts.Rollout.N == 0 {
		opts.Rollout = generate.Params{Temperature: 0.7, TopP: 0.95, MaxNewTokens: 16, N: 2}
	}
	opts.RunID = "run-test"
	opts.MaxGradNorm = 1
	opts.LogEvery = 1
	opts.Seed = 42

	opt := model.NewAdamW(0.05, 0.01)
	d := Deps{
		Policy:    policy,
		Tokenizer: model.ByteTokenizer{},
		Teacher:   ema,
		Optimizer: opt,
		Composer:  composer,
		Judge:     j,
		Generator: scripted{truths: truths},
		Store:     checkpoint.NewStore(root, output, nil, nil),
		Recorder:  rec,
	}
	for _, mod := range mods {
		mod(&d)
	}
	loop, err := New(opts, d)
	require.NoError(t, err)
	return fixture{
		loop: loop, policy: policy, teacher: ema, optimizer: opt, composer: composer,
		calls: &calls, recorder: rec, root: root, output: output,
	}
}

func TestRun_TrainsAndCheckpoints(t *testing.T) {
	f := newFixture(t, Options{SaveEvery: 3})
	teacherBefore := f.teacher.Params()
	adapterBefore := f.policy.Params().Get(model.ParamAdapterB).Clone()
	embedBefore := f.policy.Params().Get(model.ParamEmbedding).Clone()

	sum, err := f.loop.Run(context.Background(), trainPrompts, nil)
	require.NoError(t, err)

	// 3 batches per epoch: one full window plus a trailing partial one.
	assert.Equal(t, 4, sum.Steps)
	assert.Equal(t, 2, sum.Epochs)
	assert.Equal(t, 20, sum.Rollouts)
	assert.Equal(t, 10, sum.Correct)
	assert.Nil(t, sum.Eval)

	// Each unique rollout is judged once; the second epoch is served from
	// the cache.
	assert.Equal(t, int32(10), f.calls.Load())

	assert.NotEqual(t, adapterBefore.Data, f.policy.Params().Get(model.ParamAdapterB).Data)
	assert.Equal(t, embedBefore.Data, f.policy.Params().Get(model.ParamEmbedding).Data)
	assert.NotEqual(t, teacherBefore.Get(model.ParamAdapterB).Data, f.teacher.Params().Get(model.ParamAdapterB).Data)

	assert.FileExists(t, filepath.Join(f.root, "step-3", checkpoint.WeightsFile))
	assert.FileExists(t, filepath.Join(f.root, "step-3", checkpoint.TeacherFile))
	assert.NoDirExists(t, filepath.Join(f.root, "step-4"))
	assert.FileExists(t, filepath.Join(f.output, checkpoint.WeightsFile))
	assert.FileExists(t, filepath.Join(f.output+checkpoint.MergedSuffix, checkpoint.WeightsFile))

	merged, _, step, err := checkpoint.Load(f.output + checkpoint.MergedSuffix)
	require.NoError(t, err)
	assert.False(t, merged.HasAdapter())
	assert.Equal(t, 4, step)

	f.recorder.mu.Lock()
	assert.Len(t, f.recorder.steps, 4)
	assert.Len(t, f.recorder.verds, 20)
	f.recorder.mu.Unlock()

	st := f.loop.Status()
	assert.Equal(t, StateFinished, st.State)
	assert.Equal(t, 4, st.GlobalStep)
	assert.Equal(t, 2, st.Epoch)
	assert.Equal(t, 20, st.Rollouts)
	assert.InDelta(t, 0.5, st.Accuracy, 1e-9)
	assert.Equal(t, f.output+checkpoint.MergedSuffix, st.LastSaved)
}

func TestRun_SkipsPromptsWhoseGenerationFails(t *testing.T) {
	f := newFixture(t, Options{Epochs: 1})
	prompts := append([]schemas.Prompt{{Prompt: "unknown question", GroundTruth: "1"}}, trainPrompts...)

	sum, err := f.loop.Run(context.Background(), prompts, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Rollouts)
	assert.Equal(t, 5, sum.Correct)
}

func TestRun_BatchesWithoutRolloutsDoNotStep(t *testing.T) {
	f := newFixture(t, Options{Epochs: 1, BatchSize: 1})
	embed := f.policy.Params().Get(model.ParamEmbedding).Clone()
	adapter := f.policy.Params().Get(model.ParamAdapterB).Clone()
	prompts := []schemas.Prompt{
		{Prompt: "unknown question", GroundTruth: "1"},
		{Prompt: "another unknown question", GroundTruth: "2"},
		{Prompt: "a third unknown question", GroundTruth: "3"},
	}

	sum, err := f.loop.Run(context.Background(), prompts, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Steps)
	assert.Equal(t, 0, sum.Rollouts)
	assert.Equal(t, 0, f.optimizer.Steps())
	assert.Equal(t, embed.Data, f.policy.Params().Get(model.ParamEmbedding).Data)
	assert.Equal(t, adapter.Data, f.policy.Params().Get(model.ParamAdapterB).Data)
	assert.Empty(t, f.recorder.steps)
}

func TestRun_FailedBatchesDoNotFillTheWindow(t *testing.T) {
	f := newFixture(t, Options{Epochs: 1, BatchSize: 1, GradAccum: 2})
	prompts := []schemas.Prompt{
		{Prompt: "unknown question", GroundTruth: "1"},
		trainPrompts[0],
		{Prompt: "another unknown question", GroundTruth: "2"},
		trainPrompts[1],
	}

	sum, err := f.loop.Run(context.Background(), prompts, nil)
	require.NoError(t, err)
	// Two batches produced rollouts, which is exactly one window.
	assert.Equal(t, 1, sum.Steps)
	assert.Equal(t, 1, f.optimizer.Steps())
	assert.Equal(t, 4, sum.Rollouts)
}

func TestRun_BackwardReceivesScaledLossGradients(t *testing.T) {
	tok := model.ByteTokenizer{}
	// 0xFF decodes to U+FFFD, which re-encodes to three different bytes.
	right := append(append(tok.Encode("Sum is 7 "), 0xFF), tok.Encode("\n**Answer:** 7")...)
	wrong := tok.Encode("**Answer:** 8")

	var rec *recordingModel
	f := newFixture(t, Options{Epochs: 1, BatchSize: 1, GradAccum: 2}, func(d *Deps) {
		rec = &recordingModel{Bigram: d.Policy.(*model.Bigram)}
		d.Policy = rec
		d.Generator = sampled{outs: [][]int{right, wrong}}
	})
	policy := f.policy.Clone()
	ema, err := teacher.New(policy, 0.05)
	require.NoError(t, err)

	_, err = f.loop.Run(context.Background(), trainPrompts[:1], nil)
	require.NoError(t, err)

	prompt := append([]int{tok.BOS()}, tok.Encode(generate.RenderPrompt(f.loop.chat(trainPrompts[0])))...)
	samples := []loss.Sample{
		{Prompt: prompt, Response: append(slices.Clone(right), tok.EOS()), Correct: true},
		{
			Prompt:   prompt,
			Response: append(slices.Clone(wrong), tok.EOS()),
			Feedback: append(tok.Encode("Check the arithmetic in the last step."), tok.EOS()),
		},
	}
	var want []loss.SequenceGrad
	for _, s := range samples {
		res, err := f.composer.Compute(policy, ema, s)
		require.NoError(t, err)
		want = append(want, res.Grads...)
	}
	require.Len(t, want, 3)

	// Two rollouts in a window of two micro-batches.
	const scale = 1.0 / 4
	require.Len(t, rec.calls, len(want))
	assert.Equal(t, append(slices.Clone(prompt), samples[0].Response...), rec.calls[0].tokens)
	for i, w := range want {
		assert.Equal(t, w.Tokens, rec.calls[i].tokens)
		require.Len(t, rec.calls[i].dLogits, len(w.DLogits))
		for r, row := range w.DLogits {
			expected := make([]float64, len(row))
			for j, g := range row {
				expected[j] = g * scale
			}
			assert.InDeltaSlice(t, expected, rec.calls[i].dLogits[r], 1e-12)
		}
	}
	assert.Equal(t, 1, f.optimizer.Steps())
}

func TestRun_EvaluatesEachEpoch(t *testing.T) {
	f := newFixture(t, Options{Epochs: 1})
	eval := []schemas.Prompt{
		trainPrompts[2],
		{Prompt: "unknown question", GroundTruth: "1", Subject: "Physics"},
		{Prompt: trainPrompts[0].Prompt, GroundTruth: "7"},
	}

	sum, err := f.loop.Run(context.Background(), trainPrompts, eval)
	require.NoError(t, err)
	require.NotNil(t, sum.Eval)
	assert.Equal(t, 3, sum.Eval.Total)
	assert.Equal(t, 2, sum.Eval.Correct)
	assert.Equal(t, []string{"Physics", "Unknown"}, sum.Eval.Subjects())
	assert.Equal(t, Tally{Total: 2, Correct: 1}, sum.Eval.BySubject["Physics"])

	st := f.loop.Status()
	require.NotNil(t, st.EvalAccuracy)
	assert.InDelta(t, 2.0/3.0, *st.EvalAccuracy, 1e-9)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.loop.Run(ctx, trainPrompts, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, f.loop.Status().State)
	_, statErr := os.Stat(f.output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_RequiresPrompts(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.loop.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNew_RejectsVocabMismatch(t *testing.T) {
	small, err := model.NewBigram(10, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	ema, err := teacher.New(small, 0.05)
	require.NoError(t, err)
	composer, err := loss.New(loss.DefaultConfig())
	require.NoError(t, err)
	cache, err := feedback.Open(filepath.Join(t.TempDir(), "c.jsonl"), nil)
	require.NoError(t, err)
	defer cache.Close() //nolint:errcheck
	j, err := judge.New(judge.Config{}, nil, cache, nil)
	require.NoError(t, err)

	_, err = New(Options{Epochs: 1, BatchSize: 1, GradAccum: 1, Rollout: generate.Params{TopP: 1, MaxNewTokens: 1, N: 1}}, Deps{
		Policy: small, Tokenizer: model.ByteTokenizer{}, Teacher: ema, Optimizer: model.NewAdamW(0.1, 0),
		Composer: composer, Judge: j, Generator: scripted{},
	})
	assert.ErrorContains(t, err, "vocab")
}

func TestSample_TruncatesAndGatesFeedback(t *testing.T) {
	f := newFixture(t, Options{MaxLength: 12})
	r := &rollout{
		prompt: trainPrompts[0],
		text:   "**Answer:** 8",
		assessment: judge.Assessment{
			Result:  answer.Result{Correct: false},
			Outcome: judge.Outcome{Kind: judge.OutcomeJudged, Feedback: "3+4 is 7"},
		},
	}
	s := f.loop.sample(r)
	assert.Len(t, s.Prompt, 12)
	assert.Equal(t, model.ByteTokenizer{}.BOS(), s.Prompt[0])
	assert.Empty(t, s.Response)
	assert.Empty(t, s.Feedback)

	f = newFixture(t, Options{MaxLength: 512})
	s = f.loop.sample(r)
	assert.Equal(t, append(model.ByteTokenizer{}.Encode(r.text), model.ByteTokenizer{}.EOS()), s.Response)
	assert.Equal(t, model.ByteTokenizer{}.EOS(), s.Response[len(s.Response)-1])
	assert.Equal(t, "3+4 is 7", model.ByteTokenizer{}.Decode(s.Feedback[:len(s.Feedback)-1]))
	assert.False(t, s.Correct)

	r.assessment.Result.Correct = true
	s = f.loop.sample(r)
	assert.Empty(t, s.Feedback)
	assert.True(t, s.Correct)
}

func TestSample_KeepsSampledTokens(t *testing.T) {
	tok := model.ByteTokenizer{}
	ids := []int{0xFF, 'x', tok.BOS(), 0xC3}
	r := &rollout{prompt: trainPrompts[0], text: tok.Decode(ids), tokens: ids}
	require.NotEqual(t, ids, tok.Encode(r.text))

	f := newFixture(t, Options{MaxLength: 512})
	s := f.loop.sample(r)
	assert.Equal(t, append(slices.Clone(ids), tok.EOS()), s.Response)
	assert.Equal(t, []int{0xFF, 'x', tok.BOS(), 0xC3}, ids)

	f = newFixture(t, Options{MaxLength: len(s.Prompt) + 2})
	s = f.loop.sample(r)
	assert.Equal(t, []int{0xFF, 'x'}, s.Response)
}

func TestRollout_Transitions(t *testing.T) {
	cases := []struct {
		name    string
		outcome judge.Outcome
		path    []State
	}{
		{"cache hit", judge.Outcome{Kind: judge.OutcomeCacheHit}, []State{Extracted, Verified, CacheHit}},
		{"no rater", judge.Outcome{Kind: judge.OutcomeDegraded}, []State{Extracted, Verified, Degraded}},
		{"judged", judge.Outcome{Kind: judge.OutcomeJudged, Escalated: true}, []State{Extracted, Verified, Escalated, Judged}},
		{"rater failed", judge.Outcome{Kind: judge.OutcomeDegraded, Escalated: true}, []State{Extracted, Verified, Escalated, Degraded}},
		{"filled while waiting", judge.Outcome{Kind: judge.OutcomeCacheHit, Escalated: true}, []State{Extracted, Verified, Escalated, CacheHit}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &rollout{state: Generated}
			require.NoError(t, r.settle(judge.Assessment{Outcome: tc.outcome}))
			assert.Equal(t, tc.path[len(tc.path)-1], r.state)
			require.NoError(t, r.advance(LossComputed))
			assert.Error(t, r.advance(Generated))
		})
	}
	assert.Equal(t, "degraded", Degraded.String())

	r := &rollout{state: Verified}
	assert.Error(t, r.advance(Judged))

	r = &rollout{state: Generated}
	err := r.advance(Verified)
	assert.ErrorContains(t, err, "generated -> verified")
}
