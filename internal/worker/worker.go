// Package worker serves the asynq queue the trainer publishes checkpoint
// notifications to. Each task copies one checkpoint directory to object
// storage and records where it went.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"sdpo-trainer/internal/db"
	"sdpo-trainer/internal/metrics"
	"sdpo-trainer/internal/schemas"
)

const manifestFile = "manifest.json"

// Uploader is the object store.
type Uploader interface {
	Key(parts ...string) string
	UploadFile(ctx context.Context, key, localPath string) (string, error)
	PutJSON(ctx context.Context, key string, v any) (string, error)
}

// UploadRecorder persists finished uploads. db.Ledger implements it.
type UploadRecorder interface {
	RecordUpload(ctx context.Context, u db.Upload) error
}

type Server struct {
	S3     Uploader
	Ledger UploadRecorder // optional
	Log    *slog.Logger
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(schemas.TaskUploadCheckpoint, s.handleUpload)
	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Server) handleUpload(ctx context.Context, t *asynq.Task) error {
	log := s.logger()
	var msg schemas.UploadCheckpoint
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		metrics.CheckpointUploads.WithLabelValues("invalid").Inc()
		// A payload that does not decode will not decode on retry either.
		return fmt.Errorf("decode upload payload: %v: %w", err, asynq.SkipRetry)
	}
	if msg.Dir == "" || len(msg.Files) == 0 {
		metrics.CheckpointUploads.WithLabelValues("invalid").Inc()
		return fmt.Errorf("upload payload for %s/%s has no files: %w", msg.RunID, msg.Kind, asynq.SkipRetry)
	}
	log = log.With("run_id", msg.RunID, "kind", msg.Kind, "step", msg.Step)
	log.Info("uploading checkpoint", "dir", msg.Dir, "files", len(msg.Files))

	prefix := s.S3.Key(msg.RunID, msg.Kind, fmt.Sprintf("step-%d", msg.Step))
	for _, name := range msg.Files {
		key := prefix + "/" + name
		if _, err := s.S3.UploadFile(ctx, key, filepath.Join(msg.Dir, name)); err != nil {
			metrics.CheckpointUploads.WithLabelValues("error").Inc()
			log.Warn("checkpoint upload failed", "file", name, "err", err)
			return err
		}
	}

	ref, err := s.S3.PutJSON(ctx, prefix+"/"+manifestFile, schemas.CheckpointManifest{
		RunID:      msg.RunID,
		Kind:       msg.Kind,
		Step:       msg.Step,
		Files:      msg.Files,
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.CheckpointUploads.WithLabelValues("error").Inc()
		return err
	}
	metrics.CheckpointUploads.WithLabelValues("ok").Inc()
	log.Info("checkpoint uploaded", "ref", ref)

	if s.Ledger != nil {
		if err := s.Ledger.RecordUpload(ctx, db.Upload{
			RunID: msg.RunID, Kind: msg.Kind, Step: msg.Step, ObjectRef: ref,
		}); err != nil {
			// The object is stored; retrying would upload it again.
			log.Warn("record upload failed", "ref", ref, "err", err)
		}
	}
	return nil
}

// Run blocks serving the queue at the redis address addr.
func Run(addr string, s *Server) error {
	if addr == "" {
		return errors.New("redis address is required")
	}
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{Concurrency: 5})
	return srv.Run(s.Mux())
}
