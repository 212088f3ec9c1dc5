package trainer

import (
	"context"
	"log/slog"
	"sort"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/generate"
	"sdpo-trainer/internal/schemas"
)

// Tally counts verdicts.
type Tally struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

func (t Tally) Accuracy() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Correct) / float64(t.Total)
}

// EvalReport is the rule-based accuracy on held-out prompts.
type EvalReport struct {
	Tally
	BySubject map[string]Tally `json:"by_subject"`
}

// Subjects returns the subject names in sorted order.
func (r EvalReport) Subjects() []string {
	out := make([]string, 0, len(r.BySubject))
	for s := range r.BySubject {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Evaluator scores a generator on held-out prompts with the rule-based
// verifier. The judge is not consulted.
type Evaluator struct {
	Generator generate.Generator
	Verifier  answer.Verifier
	System    string
	Params    generate.Params
	Logger    *slog.Logger
}

// Run generates one response per prompt. Prompts whose generation fails count
// as incorrect.
func (e Evaluator) Run(ctx context.Context, prompts []schemas.Prompt) (EvalReport, error) {
	ctx, span := tracer.Start(ctx, "trainer.evaluate")
	defer span.End()

	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	params := e.Params
	params.N = 1
	rep := EvalReport{BySubject: map[string]Tally{}}
	for _, p := range prompts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		correct := false
		outs, err := e.Generator.Generate(ctx, generate.Chat{System: e.System, User: p.Prompt}, params)
		switch {
		case err != nil && ctx.Err() != nil:
			return rep, ctx.Err()
		case err != nil:
			log.Warn("eval generation failed", "subject", p.Subject, "err", err)
		case len(outs) > 0:
			correct = e.Verifier.Check(outs[0].Text, p.GroundTruth).Correct
		}

		subject := p.Subject
		if subject == "" {
			subject = "Unknown"
		}
		st := rep.BySubject[subject]
		st.Total++
		rep.Total++
		if correct {
			st.Correct++
			rep.Correct++
		}
		rep.BySubject[subject] = st
	}
	return rep, nil
}

// Evaluate scores the current policy's generator on prompts.
func (l *Loop) Evaluate(ctx context.Context, prompts []schemas.Prompt) (EvalReport, error) {
	return Evaluator{
		Generator: l.d.Generator,
		Verifier:  l.d.Verifier,
		System:    l.opts.System,
		Params:    l.opts.Rollout,
		Logger:    l.log,
	}.Run(ctx, prompts)
}
