package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"sdpo-trainer/internal/schemas"
)

// Enqueuer is the subset of *asynq.Client the publisher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueuePublisher hands saved checkpoints to the upload worker.
type QueuePublisher struct {
	q     Enqueuer
	runID string
}

func NewQueuePublisher(q Enqueuer, runID string) *QueuePublisher {
	return &QueuePublisher{q: q, runID: runID}
}

func (p *QueuePublisher) Publish(ctx context.Context, s Saved) error {
	b, err := json.Marshal(schemas.UploadCheckpoint{
		RunID: p.runID,
		Kind:  s.Kind,
		Step:  s.Step,
		Dir:   s.Dir,
		Files: s.Files,
		At:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(schemas.TaskUploadCheckpoint, b)
	// The task ID makes a repeated publish of the same checkpoint a conflict.
	id := fmt.Sprintf("%s/%s/%d", p.runID, s.Kind, s.Step)
	if _, err := p.q.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(id)); err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}
	return nil
}
