package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
model:
  path: ./base-model
training:
  learning_rate: 1.0e-3
  num_epochs: 2
  batch_size: 4
  gradient_accumulation_steps: 2
  use_lora: false
rollout:
  num_rollouts: 2
  temperature: 0.9
  max_new_tokens: 64
sdpo:
  alpha: 0.4
  distillation_topk: 20
  teacher_update_rate: 0.1
judge:
  timeout: 5s
  workers: 8
  system_prompt: "Be terse."
data:
  rl_prompts: data/rl.jsonl
unknown_section:
  ignored: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdpo_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "./base-model", cfg.Model.Path)
	assert.Equal(t, 2048, cfg.Model.MaxLength)
	assert.Equal(t, 1e-3, cfg.Training.LearningRate)
	assert.Equal(t, 0.01, cfg.Training.WeightDecay)
	assert.False(t, cfg.Training.UseLoRA)
	assert.Equal(t, 2, cfg.Rollout.N)
	assert.Equal(t, 0.95, cfg.Rollout.TopP)
	assert.Equal(t, 0.4, cfg.SDPO.Alpha)
	assert.Equal(t, 20, cfg.SDPO.TopK)
	assert.Equal(t, -0.5, cfg.SDPO.RewardIncorrect)
	assert.Equal(t, 0.3, cfg.SDPO.FeedbackWeight)
	assert.Equal(t, 0.1, cfg.SDPO.TeacherUpdateRate)
	assert.Equal(t, 5*time.Second, cfg.Judge.Timeout)
	assert.Equal(t, 8, cfg.Judge.Workers)
	assert.Equal(t, "Be terse.", cfg.Judge.System)
	assert.Equal(t, 50, cfg.Checkpoint.SaveEvery)
	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = Load(writeConfig(t, "model: [unterminated"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":      "postgres://u:p@db/sdpo",
		"REDIS_ADDR":        "redis:6379",
		"MINIO_ENDPOINT":    "http://minio:9000",
		"MINIO_BUCKET":      "ckpt",
		"MINIO_ACCESS_KEY":  "ak",
		"MINIO_SECRET_KEY":  "sk",
		"API_TOKEN":         "tok",
		"ANTHROPIC_API_KEY": "anthropic",
		"OPENAI_API_KEY":    "openai",
		"SDPO_TRACE_STDOUT": "true",
		"REDIS_UNRELATED":   "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	cfg.ApplyEnv(lookup)
	assert.Equal(t, "postgres://u:p@db/sdpo", cfg.Database.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "http://minio:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "ckpt", cfg.Storage.Bucket)
	assert.Equal(t, "ak", cfg.Storage.AccessKey)
	assert.Equal(t, "sk", cfg.Storage.SecretKey)
	assert.Equal(t, "tok", cfg.Server.APIToken)
	assert.Equal(t, "anthropic", cfg.Judge.APIKey)
	assert.Equal(t, "openai", cfg.Rollout.APIKey)
	assert.True(t, cfg.Tracing.Stdout)

	cfg = Default()
	cfg.Judge.Provider = "openai"
	cfg.ApplyEnv(lookup)
	assert.Equal(t, "openai", cfg.Judge.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Model.Path = "m"
		c.Data.RLPrompts = "p.jsonl"
		return c
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Model.Path = ""
	assert.ErrorIs(t, c.Validate(), ErrMissingModelPath)

	for name, mutate := range map[string]func(*Config){
		"no prompts":     func(c *Config) { c.Data.RLPrompts = "" },
		"epochs":         func(c *Config) { c.Training.Epochs = 0 },
		"batch":          func(c *Config) { c.Training.BatchSize = 0 },
		"accum":          func(c *Config) { c.Training.GradAccum = 0 },
		"lr":             func(c *Config) { c.Training.LearningRate = 0 },
		"lora rank":      func(c *Config) { c.Training.LoRARank = 0 },
		"rollouts":       func(c *Config) { c.Rollout.N = 0 },
		"backend":        func(c *Config) { c.Rollout.Backend = "tgi" },
		"openai model":   func(c *Config) { c.Rollout.Backend = "openai" },
		"alpha":          func(c *Config) { c.SDPO.Alpha = 1.5 },
		"rho":            func(c *Config) { c.SDPO.TeacherUpdateRate = 2 },
		"provider":       func(c *Config) { c.Judge.Provider = "other" },
		"template":       func(c *Config) { c.Judge.Confirm = "{question} only" },
		"save path":      func(c *Config) { c.Output.SavePath = "" },
		"negative every": func(c *Config) { c.Logging.LogEvery = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
