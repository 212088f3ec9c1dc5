package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"sdpo-trainer/internal/config"
	"sdpo-trainer/internal/db"
	"sdpo-trainer/internal/storage"
	"sdpo-trainer/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (environment only when empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(logger, err)
	}
	ctx := context.Background()

	s3c, err := storage.New(ctx, storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		Prefix:    cfg.Storage.Prefix,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
	}, logger)
	if err != nil {
		fatal(logger, err)
	}
	srv := &worker.Server{S3: s3c, Log: logger}

	if cfg.Database.URL != "" {
		dbx, err := db.Open(ctx, cfg.Database.URL)
		if err != nil {
			fatal(logger, err)
		}
		defer dbx.Close() //nolint:errcheck
		srv.Ledger = db.NewLedger(dbx)
	}

	logger.Info("worker starting", "redis", cfg.Redis.Addr, "bucket", cfg.Storage.Bucket)
	if err := worker.Run(cfg.Redis.Addr, srv); err != nil {
		fatal(logger, err)
	}
}

func fatal(logger *slog.Logger, err error) {
	logger.Error("worker failed", "err", err)
	os.Exit(1)
}
