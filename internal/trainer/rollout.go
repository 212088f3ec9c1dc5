package trainer

import (
	"fmt"

	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/metrics"
	"sdpo-trainer/internal/schemas"
)

// State is a rollout's position in its lifecycle:
// Generated → Extracted → Verified → CacheHit | Degraded | Escalated, then
// Escalated → Judged | CacheHit | Degraded, and finally LossComputed.
type State int

const (
	Generated State = iota
	Extracted
	Verified
	CacheHit
	Escalated
	Judged
	Degraded
	LossComputed
)

func (s State) String() string {
	switch s {
	case Generated:
		return "generated"
	case Extracted:
		return "extracted"
	case Verified:
		return "verified"
	case CacheHit:
		return "cache_hit"
	case Escalated:
		return "escalated"
	case Judged:
		return "judged"
	case Degraded:
		return "degraded"
	case LossComputed:
		return "loss_computed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Generated: {Extracted},
	Extracted: {Verified},
	Verified:  {CacheHit, Escalated, Degraded},
	Escalated: {Judged, CacheHit, Degraded},
	CacheHit:  {LossComputed},
	Judged:    {LossComputed},
	Degraded:  {LossComputed},
}

type rollout struct {
	prompt     schemas.Prompt
	text       string
	tokens     []int
	state      State
	assessment judge.Assessment
}

func (r *rollout) advance(next State) error {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.state = next
			metrics.RolloutStates.WithLabelValues(next.String()).Inc()
			return nil
		}
	}
	return fmt.Errorf("invalid rollout transition %s -> %s", r.state, next)
}

// settle walks an assessed rollout through extraction, verification and
// feedback resolution. Only outcomes that went to the rater pass through
// Escalated.
func (r *rollout) settle(a judge.Assessment) error {
	r.assessment = a
	steps := []State{Extracted, Verified}
	if a.Outcome.Escalated {
		steps = append(steps, Escalated)
	}
	switch a.Outcome.Kind {
	case judge.OutcomeCacheHit:
		steps = append(steps, CacheHit)
	case judge.OutcomeDegraded:
		steps = append(steps, Degraded)
	default:
		steps = append(steps, Judged)
	}
	for _, s := range steps {
		if err := r.advance(s); err != nil {
			return err
		}
	}
	return nil
}
