// Package metrics holds the prometheus collectors shared by the judge, the
// training loop and the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JudgeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpo_judge_outcomes_total",
		Help: "Judge resolutions by outcome (cache_hit, judged, degraded)",
	}, []string{"outcome"})

	JudgeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sdpo_judge_latency_seconds",
		Help:    "Wall-clock duration of external rater calls",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpo_verifications_total",
		Help: "Rule-based verdicts by correctness",
	}, []string{"correct"})

	RolloutStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpo_rollout_transitions_total",
		Help: "Rollout state machine transitions by state entered",
	}, []string{"state"})

	Loss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdpo_train_loss",
		Help: "Most recent batch loss",
	})

	Accuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdpo_train_accuracy",
		Help: "Running accuracy of the current epoch (0-1)",
	})

	GlobalStep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdpo_global_step",
		Help: "Optimizer steps taken",
	})

	GradNorm = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sdpo_grad_norm",
		Help:    "Global gradient norm before clipping",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	CheckpointsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpo_checkpoints_saved_total",
		Help: "Checkpoints written by kind (step, final, merged)",
	}, []string{"kind"})

	CheckpointUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdpo_checkpoint_uploads_total",
		Help: "Checkpoint uploads handled by the worker by result",
	}, []string{"result"})
)
