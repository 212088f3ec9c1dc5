package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"sdpo-trainer/internal/config"
	"sdpo-trainer/internal/generate"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/model"
	"sdpo-trainer/internal/schemas"
	"sdpo-trainer/internal/storage"
)

func newLogger(cfg config.Logging, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown logging.format %q", cfg.Format)
	}
}

// initTracing installs a stdout span exporter when enabled. The returned
// shutdown flushes pending spans.
func initTracing(cfg config.Tracing, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Stdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes("",
			attribute.String("service.name", "sdpo-trainer"))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newStorage returns nil when no bucket is configured.
func newStorage(ctx context.Context, cfg config.Storage, logger *slog.Logger) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	return storage.New(ctx, storage.Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
	}, logger)
}

func loadPrompts(ctx context.Context, src string, s3c *storage.Client) ([]schemas.Prompt, error) {
	rc, err := storage.OpenSource(ctx, src, s3c)
	if err != nil {
		return nil, fmt.Errorf("open prompts: %w", err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	ps, err := schemas.ReadPrompts(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return ps, nil
}

// newRater returns nil when the provider has no credentials; the judge then
// degrades to rule-based feedback. An OpenAI-compatible server behind a
// base_url may run without a key, the Anthropic API may not.
func newRater(cfg config.Judge, logger *slog.Logger) (judge.Rater, error) {
	keyless := func() (judge.Rater, error) {
		logger.Warn("judge api key not set, feedback will be rule-based only", "provider", cfg.Provider)
		return nil, nil
	}
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return keyless()
		}
		return judge.NewOpenAIRater(cfg.APIKey, cfg.BaseURL)
	default:
		if cfg.APIKey == "" {
			return keyless()
		}
		return judge.NewAnthropicRater(cfg.APIKey, cfg.BaseURL, nil, logger)
	}
}

func newGenerator(cfg config.Rollout, policy model.Model, tok model.Tokenizer, seed uint64) (generate.Generator, error) {
	switch cfg.Backend {
	case "openai":
		return generate.NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return generate.NewPolicySampler(policy, tok, newRand(seed+1)), nil
	}
}
