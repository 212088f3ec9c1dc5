package db

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdpo-trainer/internal/migrations"
	"sdpo-trainer/internal/schemas"
)

// Runs against a real Postgres when SDPO_TEST_DATABASE_URL is set.
func TestLedgerIntegration(t *testing.T) {
	dsn := os.Getenv("SDPO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SDPO_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, migrations.Run(dsn))

	dbx, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer dbx.Close()
	l := NewLedger(dbx)

	runID := uuid.NewString()
	require.NoError(t, l.StartRun(ctx, runID, map[string]int{"epochs": 1}))
	require.NoError(t, l.RecordStep(ctx, schemas.StepRecord{RunID: runID, Step: 1, Epoch: 1, Loss: 0.7, Accuracy: 0.5}))
	// Re-logging a step overwrites its scalars.
	require.NoError(t, l.RecordStep(ctx, schemas.StepRecord{RunID: runID, Step: 1, Epoch: 1, Loss: 0.6, Accuracy: 0.5}))
	require.NoError(t, l.RecordVerifications(ctx, []schemas.VerificationRecord{
		{RunID: runID, Step: 1, Key: "abc", Correct: true, Detail: "Exact match", Extracted: "20", Outcome: "judged"},
	}))
	require.NoError(t, l.RecordUpload(ctx, Upload{RunID: runID, Kind: schemas.KindFinal, ObjectRef: "s3://b/k"}))
	require.NoError(t, l.FinishRun(ctx, runID, RunFinished))

	steps, err := l.Steps(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 0.6, steps[0].Loss)

	run, err := l.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, RunFinished, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}
