// Package config loads the trainer configuration: YAML defaults first, then
// the file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"sdpo-trainer/internal/generate"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/loss"
)

var ErrMissingModelPath = errors.New("model.path is required")

type Config struct {
	Model      Model      `yaml:"model"`
	Training   Training   `yaml:"training"`
	Rollout    Rollout    `yaml:"rollout"`
	SDPO       SDPO       `yaml:"sdpo"`
	Verifier   Verifier   `yaml:"verifier"`
	Judge      Judge      `yaml:"judge"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Logging    Logging    `yaml:"logging"`
	Output     Output     `yaml:"output"`
	Data       Data       `yaml:"data"`
	Storage    Storage    `yaml:"storage"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Server     Server     `yaml:"server"`
	Tracing    Tracing    `yaml:"tracing"`
}

type Model struct {
	Path      string `yaml:"path"`
	MaxLength int    `yaml:"max_length"`
	// Tokenizer is used by init-model: "byte" or "bpe_cl100k".
	Tokenizer string `yaml:"tokenizer"`
}

type Training struct {
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Epochs       int     `yaml:"num_epochs"`
	BatchSize    int     `yaml:"batch_size"`
	GradAccum    int     `yaml:"gradient_accumulation_steps"`
	MaxGradNorm  float64 `yaml:"max_grad_norm"`
	UseLoRA      bool    `yaml:"use_lora"`
	LoRARank     int     `yaml:"lora_r"`
	LoRAAlpha    float64 `yaml:"lora_alpha"`
	Seed         uint64  `yaml:"seed"`
}

type Rollout struct {
	generate.Params `yaml:",inline"`
	// Backend is "local" (sample the policy) or "openai" (remote server).
	Backend string `yaml:"backend"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"-" json:"-"`
}

type SDPO struct {
	loss.Config       `yaml:",inline"`
	TeacherUpdateRate float64 `yaml:"teacher_update_rate"`
}

type Verifier struct {
	RelTolerance float64 `yaml:"rel_tolerance"`
	AbsTolerance float64 `yaml:"abs_tolerance"`
}

type Judge struct {
	judge.Templates `yaml:",inline"`
	// Provider is "anthropic" or "openai".
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
	Workers       int           `yaml:"workers"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	CachePath     string        `yaml:"cache_path"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"-" json:"-"`
}

type Checkpoint struct {
	SaveEvery int    `yaml:"save_every"`
	SaveDir   string `yaml:"save_dir"`
	Upload    bool   `yaml:"upload"`
}

type Logging struct {
	LogEvery int    `yaml:"log_every"`
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
}

type Output struct {
	SavePath string `yaml:"save_path"`
}

type Data struct {
	RLPrompts   string `yaml:"rl_prompts"`
	EvalPrompts string `yaml:"eval_prompts"`
}

type Storage struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-" json:"-"`
	SecretKey string `yaml:"-" json:"-"`
}

type Database struct {
	URL string `yaml:"url" json:"-"`
}

type Redis struct {
	Addr string `yaml:"addr"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	APIToken string `yaml:"-" json:"-"`
}

type Tracing struct {
	Stdout bool `yaml:"stdout"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Model: Model{MaxLength: 2048, Tokenizer: "byte"},
		Training: Training{
			LearningRate: 5e-6,
			WeightDecay:  0.01,
			Epochs:       3,
			BatchSize:    8,
			GradAccum:    4,
			MaxGradNorm:  1.0,
			UseLoRA:      true,
			LoRARank:     16,
			LoRAAlpha:    32,
			Seed:         42,
		},
		Rollout: Rollout{
			Params:  generate.Params{Temperature: 0.7, TopP: 0.95, MaxNewTokens: 1024, N: 4},
			Backend: "local",
		},
		SDPO:     SDPO{Config: loss.DefaultConfig(), TeacherUpdateRate: 0.05},
		Verifier: Verifier{RelTolerance: 0.01, AbsTolerance: 1e-6},
		Judge: Judge{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: judge.DefaultMaxTokens,
			Timeout:   judge.DefaultTimeout,
			Workers:   judge.DefaultWorkers,
			CachePath: "judge_cache.jsonl",
		},
		Checkpoint: Checkpoint{SaveEvery: 50, SaveDir: "checkpoints"},
		Logging:    Logging{LogEvery: 10, Level: "info", Format: "text"},
		Output:     Output{SavePath: "sdpo-model"},
		Storage:    Storage{Region: "us-east-1", Prefix: "sdpo"},
		Redis:      Redis{Addr: "localhost:6379"},
		Server:     Server{Addr: ":8080"},
	}
}

// Load reads path on top of the defaults and applies the environment. A
// missing file is an error; an empty path uses defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overlays environment variables. lookup is os.LookupEnv outside
// tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SDPO_MODEL_PATH", &c.Model.Path)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("MINIO_ENDPOINT", &c.Storage.Endpoint)
	str("MINIO_BUCKET", &c.Storage.Bucket)
	str("MINIO_ACCESS_KEY", &c.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.SecretKey)
	str("API_TOKEN", &c.Server.APIToken)
	str("JUDGE_MODEL", &c.Judge.Model)
	str("OPENAI_API_KEY", &c.Rollout.APIKey)
	switch c.Judge.Provider {
	case "openai":
		str("OPENAI_API_KEY", &c.Judge.APIKey)
	default:
		str("ANTHROPIC_API_KEY", &c.Judge.APIKey)
	}
	if v, ok := lookup("SDPO_TRACE_STDOUT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Stdout = b
		}
	}
}

// Validate rejects configurations the trainer cannot start with.
func (c Config) Validate() error {
	if c.Model.Path == "" {
		return ErrMissingModelPath
	}
	if c.Data.RLPrompts == "" {
		return errors.New("data.rl_prompts is required")
	}
	t := c.Training
	switch {
	case t.Epochs <= 0:
		return fmt.Errorf("training.num_epochs %d must be positive", t.Epochs)
	case t.BatchSize <= 0:
		return fmt.Errorf("training.batch_size %d must be positive", t.BatchSize)
	case t.GradAccum <= 0:
		return fmt.Errorf("training.gradient_accumulation_steps %d must be positive", t.GradAccum)
	case t.LearningRate <= 0:
		return fmt.Errorf("training.learning_rate %v must be positive", t.LearningRate)
	case t.UseLoRA && t.LoRARank <= 0:
		return fmt.Errorf("training.lora_r %d must be positive", t.LoRARank)
	}
	if err := c.Rollout.Params.Validate(); err != nil {
		return fmt.Errorf("rollout: %w", err)
	}
	switch c.Rollout.Backend {
	case "local":
	case "openai":
		if c.Rollout.Model == "" {
			return errors.New("rollout.model is required for the openai backend")
		}
	default:
		return fmt.Errorf("unknown rollout.backend %q", c.Rollout.Backend)
	}
	if err := c.SDPO.Config.Validate(); err != nil {
		return fmt.Errorf("sdpo: %w", err)
	}
	if c.SDPO.TeacherUpdateRate < 0 || c.SDPO.TeacherUpdateRate > 1 {
		return fmt.Errorf("sdpo.teacher_update_rate %v must be in [0, 1]", c.SDPO.TeacherUpdateRate)
	}
	switch c.Judge.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown judge.provider %q", c.Judge.Provider)
	}
	if err := c.Judge.Templates.WithDefaults().Validate(); err != nil {
		return err
	}
	if c.Checkpoint.SaveEvery < 0 || c.Logging.LogEvery < 0 {
		return errors.New("checkpoint.save_every and logging.log_every must be >= 0")
	}
	if c.Output.SavePath == "" {
		return errors.New("output.save_path is required")
	}
	return nil
}
