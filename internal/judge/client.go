// Package judge escalates verdicts to an external rater for natural-language
// feedback. Every escalation is keyed by feedback.Key, so a triple is rated at
// most once and later lookups are served from the cache.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/feedback"
	"sdpo-trainer/internal/metrics"
)

var tracer = otel.Tracer("sdpo/judge")

const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxTokens = 2048
	DefaultWorkers   = 4
)

// Config tunes the client. Zero values fall back to the defaults above;
// RatePerSecond <= 0 disables rate limiting.
type Config struct {
	Model         string
	MaxTokens     int
	Timeout       time.Duration
	Workers       int
	RatePerSecond float64
	Burst         int
	Templates     Templates
	Verifier      answer.Verifier
}

// Triple identifies one judged rollout.
type Triple struct {
	Question    string
	ModelOutput string
	GroundTruth string
}

// Key is the cache key of the triple.
func (t Triple) Key() string {
	return feedback.Key(t.Question, t.ModelOutput, t.GroundTruth)
}

// PlanKind says how a verdict will be turned into feedback.
type PlanKind int

const (
	PlanCacheHit PlanKind = iota
	PlanEscalate
	PlanDegraded
)

// Plan is the decision taken before any network call.
type Plan struct {
	Kind     PlanKind
	Key      string
	Triple   Triple
	Verdict  answer.Result
	Variant  Variant // PlanEscalate
	Feedback string  // PlanCacheHit
	Reason   string  // PlanDegraded
}

// OutcomeKind tags the feedback actually obtained.
type OutcomeKind int

const (
	OutcomeCacheHit OutcomeKind = iota
	OutcomeJudged
	OutcomeDegraded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeJudged:
		return "judged"
	case OutcomeDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome carries feedback text for every kind. Degraded outcomes embed the
// failure reason and the rule-based verdict in Feedback.
type Outcome struct {
	Kind     OutcomeKind
	Feedback string
	Reason   string
	// Escalated is set when the outcome came out of a rater round trip,
	// including one that failed or was answered by a concurrent caller.
	Escalated bool
}

// Assessment is the verdict plus its feedback for one rollout.
type Assessment struct {
	Triple  Triple
	Result  answer.Result
	Outcome Outcome
}

// Client resolves feedback for verified rollouts.
type Client struct {
	cfg     Config
	rater   Rater
	cache   *feedback.Cache
	limiter *rate.Limiter
	flight  singleflight.Group
	log     *slog.Logger
}

// New builds a client. A nil rater degrades every cache miss ("No API key");
// the cache is required.
func New(cfg Config, rater Rater, cache *feedback.Cache, logger *slog.Logger) (*Client, error) {
	if cache == nil {
		return nil, errors.New("judge: feedback cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Templates = cfg.Templates.WithDefaults()
	if err := cfg.Templates.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, rater: rater, cache: cache, log: logger}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// Plan decides, without side effects, how the verdict gets its feedback.
func (c *Client) Plan(t Triple, verdict answer.Result) Plan {
	p := Plan{Key: t.Key(), Triple: t, Verdict: verdict}
	if fb, ok := c.cache.Get(p.Key); ok {
		p.Kind = PlanCacheHit
		p.Feedback = fb
		return p
	}
	if c.rater == nil {
		p.Kind = PlanDegraded
		p.Reason = "No API key"
		return p
	}
	p.Kind = PlanEscalate
	p.Variant = Remediate
	if verdict.Correct {
		p.Variant = Confirm
	}
	return p
}

// Resolve executes a plan. It never fails: rater errors, timeouts and
// cancellation become Degraded outcomes.
func (c *Client) Resolve(ctx context.Context, p Plan) Outcome {
	var out Outcome
	switch p.Kind {
	case PlanCacheHit:
		out = Outcome{Kind: OutcomeCacheHit, Feedback: p.Feedback}
	case PlanDegraded:
		out = degraded(p.Reason, p.Verdict)
	default:
		out = c.escalate(ctx, p)
	}
	metrics.JudgeOutcomes.WithLabelValues(out.Kind.String()).Inc()
	return out
}

type flightResult struct {
	feedback string
	cached   bool
}

func (c *Client) escalate(ctx context.Context, p Plan) Outcome {
	ctx, span := tracer.Start(ctx, "judge.escalate")
	defer span.End()
	span.SetAttributes(
		attribute.String("judge.key", p.Key),
		attribute.String("judge.variant", p.Variant.String()),
	)

	// The shared call must outlive any one waiter: it runs detached from the
	// caller's cancellation, bounded only by the judge timeout, and each
	// caller stops waiting on its own context.
	fctx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(p.Key, func() (any, error) {
		// Another caller may have filled the key while this one waited.
		if fb, ok := c.cache.Get(p.Key); ok {
			return flightResult{feedback: fb, cached: true}, nil
		}
		fb, err := c.call(fctx, p)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Put(p.Key, fb); err != nil {
			c.log.Warn("feedback cache write failed", "key", p.Key, "err", err)
		}
		return flightResult{feedback: fb}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		c.log.Warn("judge degraded", "key", p.Key, "err", res.Err)
		out := degraded("Judge API error: "+res.Err.Error(), p.Verdict)
		out.Escalated = true
		return out
	}

	fr := res.Val.(flightResult)
	if fr.cached {
		return Outcome{Kind: OutcomeCacheHit, Feedback: fr.feedback, Escalated: true}
	}
	return Outcome{Kind: OutcomeJudged, Feedback: fr.feedback, Escalated: true}
}

func (c *Client) call(ctx context.Context, p Plan) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	fb, err := c.rater.Rate(ctx, Request{
		Model:     c.cfg.Model,
		System:    c.cfg.Templates.System,
		User:      c.cfg.Templates.Render(p.Variant, p.Triple),
		MaxTokens: c.cfg.MaxTokens,
	})
	metrics.JudgeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fb) == "" {
		return "", errors.New("empty feedback")
	}
	return fb, nil
}

// Assess runs extraction, verification and feedback resolution for one
// rollout.
func (c *Client) Assess(ctx context.Context, t Triple) Assessment {
	verdict := c.cfg.Verifier.Check(t.ModelOutput, t.GroundTruth)
	out := c.Resolve(ctx, c.Plan(t, verdict))
	verdict.FromCache = out.Kind == OutcomeCacheHit
	return Assessment{Triple: t, Result: verdict, Outcome: out}
}

// AssessAll assesses a batch on a bounded worker pool. Results keep the input
// order.
func (c *Client) AssessAll(ctx context.Context, triples []Triple) []Assessment {
	out := make([]Assessment, len(triples))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, t := range triples {
		g.Go(func() error {
			out[i] = c.Assess(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func degraded(reason string, verdict answer.Result) Outcome {
	status := "Incorrect"
	if verdict.Correct {
		status = "Correct"
	}
	return Outcome{
		Kind:     OutcomeDegraded,
		Reason:   reason,
		Feedback: fmt.Sprintf("[%s] %s: %s", reason, status, verdict.Detail),
	}
}
