package schemas

import "time"

// Prompt is one training or evaluation problem.
type Prompt struct {
	Prompt      string `json:"prompt"`
	GroundTruth string `json:"ground_truth"`
	Subject     string `json:"subject,omitempty"`
}

// Checkpoint kinds.
const (
	KindStep   = "step"
	KindFinal  = "final"
	KindMerged = "merged"
)

// TaskUploadCheckpoint is the asynq task type that mirrors a checkpoint
// directory to object storage.
const TaskUploadCheckpoint = "upload_checkpoint"

// UploadCheckpoint is the payload of TaskUploadCheckpoint.
type UploadCheckpoint struct {
	RunID string    `json:"run_id"`
	Kind  string    `json:"kind"`
	Step  int       `json:"step"`
	Dir   string    `json:"dir"`
	Files []string  `json:"files"`
	At    time.Time `json:"at"`
}

// CheckpointManifest is written next to uploaded files.
type CheckpointManifest struct {
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Step       int       `json:"step"`
	Files      []string  `json:"files"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// RunStatus is the snapshot served by the status endpoint.
type RunStatus struct {
	RunID        string    `json:"run_id"`
	State        string    `json:"state"`
	Epoch        int       `json:"epoch"`
	Epochs       int       `json:"epochs"`
	GlobalStep   int       `json:"global_step"`
	Batches      int       `json:"batches"`
	Rollouts     int       `json:"rollouts"`
	Correct      int       `json:"correct"`
	Accuracy     float64   `json:"accuracy"`
	LastLoss     float64   `json:"last_loss"`
	EvalAccuracy *float64  `json:"eval_accuracy,omitempty"`
	LastSaved    string    `json:"last_checkpoint,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Feedback is the cached judge text for one key.
type Feedback struct {
	Key      string `json:"key"`
	Feedback string `json:"feedback"`
}

// StepRecord is one logged optimizer step.
type StepRecord struct {
	RunID     string    `json:"run_id" db:"run_id"`
	Step      int       `json:"step" db:"step"`
	Epoch     int       `json:"epoch" db:"epoch"`
	Loss      float64   `json:"loss" db:"loss"`
	Accuracy  float64   `json:"accuracy" db:"accuracy"`
	GradNorm  float64   `json:"grad_norm" db:"grad_norm"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VerificationRecord is the verdict and feedback source for one rollout.
type VerificationRecord struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Step      int       `json:"step" db:"step"`
	Key       string    `json:"key" db:"cache_key"`
	Correct   bool      `json:"is_correct" db:"is_correct"`
	Detail    string    `json:"detail" db:"detail"`
	Extracted string    `json:"extracted_answer" db:"extracted_answer"`
	Outcome   string    `json:"outcome" db:"outcome"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
