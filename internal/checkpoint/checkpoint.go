// Package checkpoint persists model weights and tokenizer artifacts.
//
// Layout:
//
//	<save_dir>/step-N/{weights.json,teacher.json,tokenizer.json}
//	<save_path>/{weights.json,tokenizer.json}
//	<save_path>-merged/{weights.json,tokenizer.json}
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sdpo-trainer/internal/metrics"
	"sdpo-trainer/internal/model"
	"sdpo-trainer/internal/schemas"
)

const (
	WeightsFile   = "weights.json"
	TeacherFile   = "teacher.json"
	TokenizerFile = "tokenizer.json"

	MergedSuffix  = "-merged"
	formatVersion = 1
)

type weights struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	Step      int            `json:"step"`
	Config    model.Config   `json:"config"`
	Params    model.ParamSet `json:"params"`
}

// Saved describes a written checkpoint.
type Saved struct {
	Kind  string
	Step  int
	Dir   string
	Files []string
}

// Publisher is notified after a checkpoint is on disk.
type Publisher interface {
	Publish(ctx context.Context, s Saved) error
}

// Store writes the checkpoint layout.
type Store struct {
	root   string
	output string
	pub    Publisher
	log    *slog.Logger
}

// NewStore returns a store writing step checkpoints under root and final
// weights to output. pub may be nil.
func NewStore(root, output string, pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, output: output, pub: pub, log: logger}
}

// StepDir is the directory of the checkpoint taken at step.
func (s *Store) StepDir(step int) string {
	return filepath.Join(s.root, fmt.Sprintf("step-%d", step))
}

// SaveStep persists the policy, the teacher and the tokenizer.
func (s *Store) SaveStep(ctx context.Context, step int, policy model.Model, teacher model.ParamSet, tok model.Tokenizer) (Saved, error) {
	dir := s.StepDir(step)
	files, err := Write(dir, step, policy, tok)
	if err != nil {
		return Saved{}, err
	}
	if teacher != nil {
		if err := writeJSON(filepath.Join(dir, TeacherFile), weights{
			Version: formatVersion, CreatedAt: time.Now().UTC(), Step: step,
			Config: policy.Config(), Params: teacher,
		}); err != nil {
			return Saved{}, err
		}
		files = append(files, TeacherFile)
	}
	return s.finish(ctx, Saved{Kind: schemas.KindStep, Step: step, Dir: dir, Files: files})
}

// SaveFinal writes the policy to the output path.
func (s *Store) SaveFinal(ctx context.Context, step int, policy model.Model, tok model.Tokenizer) (Saved, error) {
	files, err := Write(s.output, step, policy, tok)
	if err != nil {
		return Saved{}, err
	}
	return s.finish(ctx, Saved{Kind: schemas.KindFinal, Step: step, Dir: s.output, Files: files})
}

// SaveMerged writes adapter-free weights next to the output path.
func (s *Store) SaveMerged(ctx context.Context, step int, merged model.Model, tok model.Tokenizer) (Saved, error) {
	dir := s.output + MergedSuffix
	files, err := Write(dir, step, merged, tok)
	if err != nil {
		return Saved{}, err
	}
	return s.finish(ctx, Saved{Kind: schemas.KindMerged, Step: step, Dir: dir, Files: files})
}

func (s *Store) finish(ctx context.Context, saved Saved) (Saved, error) {
	metrics.CheckpointsSaved.WithLabelValues(saved.Kind).Inc()
	s.log.Info("checkpoint saved", "kind", saved.Kind, "step", saved.Step, "dir", saved.Dir)
	if s.pub != nil {
		if err := s.pub.Publish(ctx, saved); err != nil {
			// The files are on disk; a missed upload is recoverable by hand.
			s.log.Warn("checkpoint publish failed", "dir", saved.Dir, "err", err)
		}
	}
	return saved, nil
}

// Write stores weights and tokenizer in dir and returns the file names.
func Write(dir string, step int, m model.Model, tok model.Tokenizer) ([]string, error) {
	if m.VocabSize() != tok.VocabSize() {
		return nil, fmt.Errorf("model vocab %d does not match tokenizer vocab %d", m.VocabSize(), tok.VocabSize())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	w := weights{
		Version:   formatVersion,
		CreatedAt: time.Now().UTC(),
		Step:      step,
		Config:    m.Config(),
		Params:    m.Params(),
	}
	if err := writeJSON(filepath.Join(dir, WeightsFile), w); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, TokenizerFile), tok.Spec()); err != nil {
		return nil, err
	}
	return []string{WeightsFile, TokenizerFile}, nil
}

// Load restores a model and its tokenizer from dir.
func Load(dir string) (*model.Bigram, model.Tokenizer, int, error) {
	var w weights
	if err := readJSON(filepath.Join(dir, WeightsFile), &w); err != nil {
		return nil, nil, 0, err
	}
	if w.Version != formatVersion {
		return nil, nil, 0, fmt.Errorf("unsupported checkpoint version %d", w.Version)
	}
	m, err := model.FromParams(w.Config, w.Params)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("restore model: %w", err)
	}

	var spec model.TokenizerSpec
	if err := readJSON(filepath.Join(dir, TokenizerFile), &spec); err != nil {
		return nil, nil, 0, err
	}
	tok, err := model.NewTokenizer(spec)
	if err != nil {
		return nil, nil, 0, err
	}
	if tok.VocabSize() != m.VocabSize() {
		return nil, nil, 0, fmt.Errorf("tokenizer vocab %d does not match model vocab %d", tok.VocabSize(), m.VocabSize())
	}
	return m, tok, w.Step, nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(fmt.Errorf("rename %s: %w", filepath.Base(path), err), os.Remove(tmp))
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
