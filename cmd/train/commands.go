package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/checkpoint"
	"sdpo-trainer/internal/config"
	"sdpo-trainer/internal/db"
	"sdpo-trainer/internal/feedback"
	"sdpo-trainer/internal/generate"
	httpSrv "sdpo-trainer/internal/http"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/loss"
	"sdpo-trainer/internal/migrations"
	"sdpo-trainer/internal/model"
	"sdpo-trainer/internal/schemas"
	"sdpo-trainer/internal/teacher"
	"sdpo-trainer/internal/trainer"
)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func newTrainCmd(configPath *string) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run SDPO training",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return train(ctx, cfg, runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (random when empty)")
	return cmd
}

func train(ctx context.Context, cfg config.Config, runID string) error {
	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("run_id", runID)
	shutdownTracing, err := initTracing(cfg.Tracing, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	s3c, err := newStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	prompts, err := loadPrompts(ctx, cfg.Data.RLPrompts, s3c)
	if err != nil {
		return err
	}
	var eval []schemas.Prompt
	if cfg.Data.EvalPrompts != "" {
		if eval, err = loadPrompts(ctx, cfg.Data.EvalPrompts, s3c); err != nil {
			return err
		}
	}

	policy, tok, _, err := checkpoint.Load(cfg.Model.Path)
	if err != nil {
		return fmt.Errorf("load model %s: %w", cfg.Model.Path, err)
	}
	rng := newRand(cfg.Training.Seed)
	if cfg.Training.UseLoRA && !policy.HasAdapter() {
		if err := policy.AttachAdapter(cfg.Training.LoRARank, cfg.Training.LoRAAlpha, rng); err != nil {
			return err
		}
	}
	logger.Info("model loaded", "path", cfg.Model.Path, "vocab", policy.VocabSize(),
		"trainable", len(policy.Params().Trainable()), "adapter", policy.HasAdapter())

	ema, err := teacher.New(policy, cfg.SDPO.TeacherUpdateRate)
	if err != nil {
		return err
	}
	composer, err := loss.New(cfg.SDPO.Config)
	if err != nil {
		return err
	}
	cache, err := feedback.Open(cfg.Judge.CachePath, logger)
	if err != nil {
		return err
	}
	defer cache.Close() //nolint:errcheck // flushed on every put
	rater, err := newRater(cfg.Judge, logger)
	if err != nil {
		return err
	}
	verifier := answer.Verifier{RelTolerance: cfg.Verifier.RelTolerance, AbsTolerance: cfg.Verifier.AbsTolerance}
	j, err := judge.New(judge.Config{
		Model:         cfg.Judge.Model,
		MaxTokens:     cfg.Judge.MaxTokens,
		Timeout:       cfg.Judge.Timeout,
		Workers:       cfg.Judge.Workers,
		RatePerSecond: cfg.Judge.RatePerSecond,
		Burst:         cfg.Judge.Burst,
		Templates:     cfg.Judge.Templates,
		Verifier:      verifier,
	}, rater, cache, logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cfg.Rollout, policy, tok, cfg.Training.Seed)
	if err != nil {
		return err
	}

	var pub checkpoint.Publisher
	if cfg.Checkpoint.Upload {
		q := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
		defer q.Close() //nolint:errcheck
		pub = checkpoint.NewQueuePublisher(q, runID)
	}

	var rec trainer.Recorder
	var ledger *db.Ledger
	if cfg.Database.URL != "" {
		if err := migrations.Run(cfg.Database.URL); err != nil {
			return err
		}
		dbx, err := db.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer dbx.Close() //nolint:errcheck
		ledger = db.NewLedger(dbx)
		if err := ledger.StartRun(ctx, runID, cfg); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
		rec = ledger
	}

	loop, err := trainer.New(trainer.Options{
		RunID:       runID,
		Epochs:      cfg.Training.Epochs,
		BatchSize:   cfg.Training.BatchSize,
		GradAccum:   cfg.Training.GradAccum,
		MaxGradNorm: cfg.Training.MaxGradNorm,
		LogEvery:    cfg.Logging.LogEvery,
		SaveEvery:   cfg.Checkpoint.SaveEvery,
		MaxLength:   cfg.Model.MaxLength,
		System:      generate.DefaultSystem,
		Seed:        cfg.Training.Seed,
		Rollout:     cfg.Rollout.Params,
	}, trainer.Deps{
		Policy:    policy,
		Tokenizer: tok,
		Teacher:   ema,
		Optimizer: model.NewAdamW(cfg.Training.LearningRate, cfg.Training.WeightDecay),
		Composer:  composer,
		Judge:     j,
		Verifier:  verifier,
		Generator: gen,
		Store:     checkpoint.NewStore(cfg.Checkpoint.SaveDir, cfg.Output.SavePath, pub, logger),
		Recorder:  rec,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Server.Addr != "" {
		srv := httpSrv.NewServer(cfg.Server.Addr, cfg.Server.APIToken, loop, cache)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("status server listening", "addr", cfg.Server.Addr)
	}

	logger.Info("training started", "prompts", len(prompts), "eval_prompts", len(eval),
		"epochs", cfg.Training.Epochs, "batch_size", cfg.Training.BatchSize)
	sum, runErr := loop.Run(ctx, prompts, eval)

	if ledger != nil {
		status := db.RunFinished
		if runErr != nil {
			status = db.RunFailed
		}
		if err := ledger.FinishRun(context.Background(), runID, status); err != nil {
			logger.Warn("finish run failed", "err", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("training complete", "steps", sum.Steps, "rollouts", sum.Rollouts,
		"correct", sum.Correct, "last_loss", sum.LastLoss, "model", cfg.Output.SavePath)
	return nil
}

func newInitModelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-model",
		Short: "Write a freshly initialised model and tokenizer to model.path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Model.Path == "" {
				return config.ErrMissingModelPath
			}
			logger, err := newLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			s3c, err := newStorage(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				return err
			}

			var tok model.Tokenizer = model.ByteTokenizer{}
			if cfg.Model.Tokenizer == model.TokenizerBPE {
				// The local vocabulary covers prompts, answers and the chat
				// scaffolding seen during training.
				corpus := []string{generate.RenderPrompt(generate.Chat{System: generate.DefaultSystem})}
				for _, src := range []string{cfg.Data.RLPrompts, cfg.Data.EvalPrompts} {
					if src == "" {
						continue
					}
					ps, err := loadPrompts(cmd.Context(), src, s3c)
					if err != nil {
						return err
					}
					for _, p := range ps {
						corpus = append(corpus, p.Prompt, p.GroundTruth)
					}
				}
				spec, err := model.BuildBPESpec("", corpus)
				if err != nil {
					return err
				}
				if tok, err = model.NewTokenizer(spec); err != nil {
					return err
				}
			}

			m, err := model.NewBigram(tok.VocabSize(), newRand(cfg.Training.Seed))
			if err != nil {
				return err
			}
			if _, err := checkpoint.Write(cfg.Model.Path, 0, m, tok); err != nil {
				return err
			}
			logger.Info("model initialised", "path", cfg.Model.Path, "tokenizer", tok.Spec().Mode, "vocab", tok.VocabSize())
			return nil
		},
	}
}

func newEvaluateCmd(configPath *string) *cobra.Command {
	var modelDir string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a saved model on data.eval_prompts with the rule-based verifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Data.EvalPrompts == "" {
				return errors.New("data.eval_prompts is required")
			}
			if modelDir == "" {
				modelDir = cfg.Output.SavePath
			}
			logger, err := newLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			s3c, err := newStorage(cmd.Context(), cfg.Storage, logger)
			if err != nil {
				return err
			}
			prompts, err := loadPrompts(cmd.Context(), cfg.Data.EvalPrompts, s3c)
			if err != nil {
				return err
			}
			m, tok, step, err := checkpoint.Load(modelDir)
			if err != nil {
				return err
			}
			gen, err := newGenerator(cfg.Rollout, m, tok, cfg.Training.Seed)
			if err != nil {
				return err
			}
			rep, err := trainer.Evaluator{
				Generator: gen,
				Verifier:  answer.Verifier{RelTolerance: cfg.Verifier.RelTolerance, AbsTolerance: cfg.Verifier.AbsTolerance},
				System:    generate.DefaultSystem,
				Params:    cfg.Rollout.Params,
				Logger:    logger,
			}.Run(cmd.Context(), prompts)
			if err != nil {
				return err
			}
			for _, s := range rep.Subjects() {
				t := rep.BySubject[s]
				logger.Info("subject", "subject", s, "correct", t.Correct, "total", t.Total, "accuracy", t.Accuracy())
			}
			logger.Info("evaluation complete", "model", modelDir, "step", step,
				"correct", rep.Correct, "total", rep.Total, "accuracy", rep.Accuracy())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&modelDir, "model", "", "checkpoint directory (defaults to output.save_path)")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the run ledger migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return migrations.Run(cfg.Database.URL)
		},
	}
}
