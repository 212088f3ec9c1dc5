package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"sdpo-trainer/internal/schemas"
)

// Ledger records runs, steps, verdicts and uploads.
type Ledger struct {
	db *sqlx.DB
}

func NewLedger(db *sqlx.DB) *Ledger { return &Ledger{db: db} }

func (l *Ledger) StartRun(ctx context.Context, runID string, cfg any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, config) VALUES ($1, $2, $3)`,
		runID, RunRunning, b)
	return err
}

func (l *Ledger) FinishRun(ctx context.Context, runID, status string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, finished_at = now() WHERE id = $1`,
		runID, status)
	return err
}

func (l *Ledger) RecordStep(ctx context.Context, s schemas.StepRecord) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.NamedExecContext(ctx, `
INSERT INTO train_steps (run_id, step, epoch, loss, accuracy, grad_norm, created_at)
VALUES (:run_id, :step, :epoch, :loss, :accuracy, :grad_norm, :created_at)
ON CONFLICT (run_id, step) DO UPDATE
SET loss = EXCLUDED.loss, accuracy = EXCLUDED.accuracy, grad_norm = EXCLUDED.grad_norm`, s)
	return err
}

// RecordVerifications inserts a batch in one transaction.
func (l *Ledger) RecordVerifications(ctx context.Context, vs []schemas.VerificationRecord) error {
	if len(vs) == 0 {
		return nil
	}
	return WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		for _, v := range vs {
			if v.ID == "" {
				v.ID = uuid.NewString()
			}
			if v.CreatedAt.IsZero() {
				v.CreatedAt = time.Now().UTC()
			}
			if _, err := tx.NamedExecContext(ctx, `
INSERT INTO verifications (id, run_id, step, cache_key, is_correct, detail, extracted_answer, outcome, created_at)
VALUES (:id, :run_id, :step, :cache_key, :is_correct, :detail, :extracted_answer, :outcome, :created_at)`, v); err != nil {
				return fmt.Errorf("insert verification: %w", err)
			}
		}
		return nil
	})
}

func (l *Ledger) RecordUpload(ctx context.Context, u Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := l.db.NamedExecContext(ctx, `
INSERT INTO uploads (id, run_id, kind, step, object_ref)
VALUES (:id, :run_id, :kind, :step, :object_ref)`, u)
	return err
}

func (l *Ledger) Steps(ctx context.Context, runID string) ([]schemas.StepRecord, error) {
	var out []schemas.StepRecord
	err := l.db.SelectContext(ctx, &out,
		`SELECT run_id, step, epoch, loss, accuracy, grad_norm, created_at
		 FROM train_steps WHERE run_id = $1 ORDER BY step`, runID)
	return out, err
}

func (l *Ledger) Run(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := l.db.GetContext(ctx, &r,
		`SELECT id, created_at, finished_at, status, config FROM runs WHERE id = $1`, runID)
	return r, err
}
