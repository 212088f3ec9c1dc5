// Package trainer drives SDPO training: rollouts are generated, verified and
// judged, folded into the composite loss, and applied to the policy through
// gradient accumulation, clipping, AdamW and an EMA teacher update.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/checkpoint"
	"sdpo-trainer/internal/feedback"
	"sdpo-trainer/internal/generate"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/loss"
	"sdpo-trainer/internal/metrics"
	"sdpo-trainer/internal/model"
	"sdpo-trainer/internal/schemas"
	"sdpo-trainer/internal/teacher"
)

var tracer = otel.Tracer("sdpo/trainer")

// Options are the loop's knobs.
type Options struct {
	RunID       string
	Epochs      int
	BatchSize   int
	GradAccum   int
	MaxGradNorm float64
	LogEvery    int
	SaveEvery   int
	MaxLength   int
	System      string
	Seed        uint64
	Rollout     generate.Params
}

// Recorder persists step scalars and verdicts. Errors are logged, never
// fatal.
type Recorder interface {
	RecordStep(ctx context.Context, s schemas.StepRecord) error
	RecordVerifications(ctx context.Context, vs []schemas.VerificationRecord) error
}

// Deps are the collaborators. Store and Recorder are optional.
type Deps struct {
	Policy    model.Model
	Tokenizer model.Tokenizer
	Teacher   *teacher.EMA
	Optimizer *model.AdamW
	Composer  *loss.Composer
	Judge     *judge.Client
	Verifier  answer.Verifier
	Generator generate.Generator
	Store     *checkpoint.Store
	Recorder  Recorder
	Logger    *slog.Logger
}

// Summary describes a finished run.
type Summary struct {
	Epochs   int
	Steps    int
	Rollouts int
	Correct  int
	LastLoss float64
	Eval     *EvalReport
}

// Loop owns the policy and teacher for the duration of Run.
type Loop struct {
	opts Options
	d    Deps
	log  *slog.Logger
	rng  *rand.Rand
	st   status

	step     int
	micro    int
	rollouts int
	correct  int
}

func New(opts Options, d Deps) (*Loop, error) {
	switch {
	case d.Policy == nil, d.Tokenizer == nil, d.Teacher == nil, d.Optimizer == nil,
		d.Composer == nil, d.Judge == nil, d.Generator == nil:
		return nil, errors.New("trainer: missing collaborator")
	case opts.Epochs <= 0 || opts.BatchSize <= 0 || opts.GradAccum <= 0:
		return nil, fmt.Errorf("trainer: epochs, batch size and accumulation must be positive")
	case d.Policy.VocabSize() != d.Tokenizer.VocabSize():
		return nil, fmt.Errorf("trainer: model vocab %d does not match tokenizer vocab %d",
			d.Policy.VocabSize(), d.Tokenizer.VocabSize())
	}
	if err := opts.Rollout.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 2048
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		opts: opts,
		d:    d,
		log:  logger.With("run_id", opts.RunID),
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5d9f)),
	}
	l.st.s = schemas.RunStatus{RunID: opts.RunID, State: StatePending, Epochs: opts.Epochs}
	return l, nil
}

// Status is safe to call from any goroutine.
func (l *Loop) Status() schemas.RunStatus { return l.st.snapshot() }

// Run trains over prompts and evaluates on eval (may be empty) after every
// epoch. Cancelling ctx stops the loop between batches.
func (l *Loop) Run(ctx context.Context, prompts, eval []schemas.Prompt) (Summary, error) {
	if len(prompts) == 0 {
		return Summary{}, errors.New("trainer: no training prompts")
	}
	l.st.update(func(s *schemas.RunStatus) {
		s.State = StateRunning
		s.StartedAt = time.Now().UTC()
	})
	sum, err := l.run(ctx, prompts, eval)
	l.st.update(func(s *schemas.RunStatus) {
		switch {
		case err == nil:
			s.State = StateFinished
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.State = StateCancelled
		default:
			s.State = StateFailed
		}
	})
	return sum, err
}

func (l *Loop) run(ctx context.Context, prompts, eval []schemas.Prompt) (Summary, error) {
	var sum Summary
	for epoch := 1; epoch <= l.opts.Epochs; epoch++ {
		l.st.update(func(s *schemas.RunStatus) { s.Epoch = epoch })
		ep, err := l.runEpoch(ctx, epoch, prompts)
		if err != nil {
			return sum, err
		}
		sum.Epochs = epoch
		sum.LastLoss = ep.meanLoss()
		l.log.Info("epoch complete",
			"epoch", epoch,
			"loss", ep.meanLoss(),
			"accuracy", ep.accuracy(),
			"rollouts", ep.rollouts,
			"step", l.step)

		if len(eval) > 0 {
			rep, err := l.Evaluate(ctx, eval)
			if err != nil {
				return sum, err
			}
			sum.Eval = &rep
			acc := rep.Accuracy()
			l.st.update(func(s *schemas.RunStatus) { s.EvalAccuracy = &acc })
			l.log.Info("eval complete", "epoch", epoch, "accuracy", acc, "total", rep.Total)
		}
	}
	sum.Steps = l.step
	sum.Rollouts = l.rollouts
	sum.Correct = l.correct

	if l.d.Store != nil {
		if err := l.saveFinal(ctx); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

type epochStats struct {
	batches  int
	lossSum  float64
	rollouts int
	correct  int
}

func (e epochStats) meanLoss() float64 {
	if e.batches == 0 {
		return 0
	}
	return e.lossSum / float64(e.batches)
}

func (e epochStats) accuracy() float64 {
	if e.rollouts == 0 {
		return 0
	}
	return float64(e.correct) / float64(e.rollouts)
}

func (l *Loop) runEpoch(ctx context.Context, epoch int, prompts []schemas.Prompt) (epochStats, error) {
	var ep epochStats
	order := l.rng.Perm(len(prompts))
	for start := 0; start < len(order); start += l.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return ep, err
		}
		end := min(start+l.opts.BatchSize, len(order))
		batch := make([]schemas.Prompt, 0, end-start)
		for _, i := range order[start:end] {
			batch = append(batch, prompts[i])
		}

		bs, err := l.trainBatch(ctx, batch)
		if err != nil {
			return ep, err
		}
		if bs.rollouts > 0 {
			ep.batches++
			ep.lossSum += bs.loss
			ep.rollouts += bs.rollouts
			ep.correct += bs.correct
			l.rollouts += bs.rollouts
			l.correct += bs.correct
			metrics.Loss.Set(bs.loss)
			metrics.Accuracy.Set(ep.accuracy())
			l.st.update(func(s *schemas.RunStatus) {
				s.Batches++
				s.Rollouts = l.rollouts
				s.Correct = l.correct
				s.Accuracy = ep.accuracy()
				s.LastLoss = bs.loss
			})
		}

		// A batch whose generations all failed back-propagated nothing and
		// does not occupy a slot in the accumulation window.
		if bs.rollouts == 0 {
			continue
		}
		l.micro++
		if l.micro == l.opts.GradAccum {
			if err := l.optimizerStep(ctx, epoch, ep); err != nil {
				return ep, err
			}
		}
	}
	// Step a trailing partial window so its gradients are not carried into
	// the next epoch.
	if l.micro > 0 {
		if err := l.optimizerStep(ctx, epoch, ep); err != nil {
			return ep, err
		}
	}
	return ep, nil
}

type batchStats struct {
	loss     float64
	rollouts int
	correct  int
}

// trainBatch generates, assesses and back-propagates one batch. The batch
// loss is the mean over its rollouts.
func (l *Loop) trainBatch(ctx context.Context, batch []schemas.Prompt) (batchStats, error) {
	var rs []*rollout
	for _, p := range batch {
		outs, err := l.d.Generator.Generate(ctx, l.chat(p), l.opts.Rollout)
		if err != nil {
			if ctx.Err() != nil {
				return batchStats{}, ctx.Err()
			}
			l.log.Warn("generation failed, skipping prompt", "subject", p.Subject, "err", err)
			continue
		}
		for _, c := range outs {
			rs = append(rs, &rollout{prompt: p, text: c.Text, tokens: c.Tokens, state: Generated})
		}
	}
	metrics.RolloutStates.WithLabelValues(Generated.String()).Add(float64(len(rs)))
	if len(rs) == 0 {
		return batchStats{}, nil
	}

	triples := make([]judge.Triple, len(rs))
	for i, r := range rs {
		triples[i] = judge.Triple{Question: r.prompt.Prompt, ModelOutput: r.text, GroundTruth: r.prompt.GroundTruth}
	}
	assessed := l.d.Judge.AssessAll(ctx, triples)
	if err := ctx.Err(); err != nil {
		return batchStats{}, err
	}

	var bs batchStats
	bs.rollouts = len(rs)
	scale := 1 / float64(len(rs)*l.opts.GradAccum)
	records := make([]schemas.VerificationRecord, 0, len(rs))
	for i, r := range rs {
		a := assessed[i]
		if err := r.settle(a); err != nil {
			return batchStats{}, err
		}
		metrics.Verifications.WithLabelValues(fmt.Sprint(a.Result.Correct)).Inc()
		if a.Result.Correct {
			bs.correct++
		}

		res, err := l.d.Composer.Compute(l.d.Policy, l.d.Teacher, l.sample(r))
		if err != nil {
			return batchStats{}, err
		}
		for _, g := range res.Grads {
			for _, row := range g.DLogits {
				for j := range row {
					row[j] *= scale
				}
			}
			l.d.Policy.Backward(g.Tokens, g.DLogits)
		}
		bs.loss += res.Total / float64(len(rs))
		if err := r.advance(LossComputed); err != nil {
			return batchStats{}, err
		}

		records = append(records, schemas.VerificationRecord{
			RunID:     l.opts.RunID,
			Step:      l.step,
			Key:       feedback.Key(r.prompt.Prompt, r.text, r.prompt.GroundTruth),
			Correct:   a.Result.Correct,
			Detail:    a.Result.Detail,
			Extracted: a.Result.Extracted,
			Outcome:   a.Outcome.Kind.String(),
		})
	}
	if l.d.Recorder != nil {
		if err := l.d.Recorder.RecordVerifications(ctx, records); err != nil {
			l.log.Warn("record verifications failed", "err", err)
		}
	}
	return bs, nil
}

func (l *Loop) chat(p schemas.Prompt) generate.Chat {
	return generate.Chat{System: l.opts.System, User: p.Prompt}
}

// sample tokenizes a rollout. Locally sampled responses keep the ids the
// policy actually drew; only remote text is re-encoded. Sequences longer than
// MaxLength are cut from the right, the way the prompt and response would be
// truncated together.
func (l *Loop) sample(r *rollout) loss.Sample {
	tok := l.d.Tokenizer
	prompt := append([]int{tok.BOS()}, tok.Encode(generate.RenderPrompt(l.chat(r.prompt)))...)
	if len(prompt) > l.opts.MaxLength {
		prompt = prompt[:l.opts.MaxLength]
	}
	room := l.opts.MaxLength - len(prompt)
	fit := func(ids []int) []int {
		ids = append(slices.Clip(ids), tok.EOS())
		if len(ids) > room {
			ids = ids[:room]
		}
		return ids
	}

	response := r.tokens
	if response == nil {
		response = tok.Encode(r.text)
	}
	s := loss.Sample{
		Prompt:   prompt,
		Response: fit(response),
		Correct:  r.assessment.Result.Correct,
	}
	if fb := r.assessment.Outcome.Feedback; !s.Correct && fb != "" {
		s.Feedback = fit(tok.Encode(fb))
	}
	return s
}

// optimizerStep closes an accumulation window.
func (l *Loop) optimizerStep(ctx context.Context, epoch int, ep epochStats) error {
	_, span := tracer.Start(ctx, "trainer.optimizer_step")
	defer span.End()

	params := l.d.Policy.Params()
	trainable := params.Trainable()
	norm := trainable.ClipGradNorm(l.opts.MaxGradNorm)
	l.d.Optimizer.Step(trainable)
	params.ZeroGrad()
	if err := l.d.Teacher.Update(l.d.Policy); err != nil {
		return fmt.Errorf("teacher update: %w", err)
	}
	l.micro = 0
	l.step++
	span.SetAttributes(attribute.Int("step", l.step), attribute.Float64("grad_norm", norm))

	metrics.GlobalStep.Set(float64(l.step))
	metrics.GradNorm.Observe(norm)
	l.st.update(func(s *schemas.RunStatus) { s.GlobalStep = l.step })

	if l.opts.LogEvery > 0 && l.step%l.opts.LogEvery == 0 {
		l.log.Info("train step",
			"step", l.step,
			"epoch", epoch,
			"loss", ep.meanLoss(),
			"accuracy", ep.accuracy(),
			"grad_norm", norm)
		if l.d.Recorder != nil {
			if err := l.d.Recorder.RecordStep(ctx, schemas.StepRecord{
				RunID:    l.opts.RunID,
				Step:     l.step,
				Epoch:    epoch,
				Loss:     ep.meanLoss(),
				Accuracy: ep.accuracy(),
				GradNorm: norm,
			}); err != nil {
				l.log.Warn("record step failed", "step", l.step, "err", err)
			}
		}
	}

	if l.d.Store != nil && l.opts.SaveEvery > 0 && l.step%l.opts.SaveEvery == 0 {
		saved, err := l.d.Store.SaveStep(ctx, l.step, l.d.Policy, l.d.Teacher.Params(), l.d.Tokenizer)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		l.st.update(func(s *schemas.RunStatus) { s.LastSaved = saved.Dir })
	}
	return nil
}

func (l *Loop) saveFinal(ctx context.Context) error {
	saved, err := l.d.Store.SaveFinal(ctx, l.step, l.d.Policy, l.d.Tokenizer)
	if err != nil {
		return fmt.Errorf("save final model: %w", err)
	}
	l.st.update(func(s *schemas.RunStatus) { s.LastSaved = saved.Dir })

	if m, ok := l.d.Policy.(model.Merger); ok && m.HasAdapter() {
		merged, err := l.d.Store.SaveMerged(ctx, l.step, m.Merge(), l.d.Tokenizer)
		if err != nil {
			return fmt.Errorf("save merged model: %w", err)
		}
		l.st.update(func(s *schemas.RunStatus) { s.LastSaved = merged.Dir })
	}
	return nil
}
