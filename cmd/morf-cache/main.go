package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/scheduler"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/storage"
)

type configFiles []string

func (c *configFiles) String() string     { return strings.Join(*c, ",") }
func (c *configFiles) Set(v string) error { *c = append(*c, v); return nil }

func main() {
	var paths configFiles
	flag.Var(&paths, "config", "path to a config file; repeat to merge client and server configs")
	once := flag.Bool("once", false, "refresh the cache once and exit, ignoring [cache] schedule")
	flag.Parse()

	if len(paths) == 0 {
		slog.Error("At least one -config file is required")
		os.Exit(2)
	}

	cfg, err := config.LoadCache(paths...)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
	if err != nil {
		logger.Fatal("Failed to configure AWS", "error", err)
	}
	mover := datamover.NewMover(storage.NewS3Store(awsCfg), cfg.Server.CacheDir, logger,
		datamover.WithDataDir(cfg.Workflow.DataDir))

	refresh := func(ctx context.Context) {
		for _, bucket := range cfg.RawDataBuckets {
			mover.SyncBucketToCache(ctx, bucket)
		}
		if cfg.Cache.IncludeJob {
			mover.SyncJobToCache(ctx, cfg.AWS.ProcDataBucket, cfg.Identity())
		}
	}

	if *once || cfg.Cache.Schedule == "" {
		refresh(ctx)
		return
	}

	periodic, err := scheduler.NewPeriodic("cache-refresh", cfg.Cache.Schedule, refresh, logger)
	if err != nil {
		logger.Fatal("Invalid cache schedule", "error", err)
	}
	logger.Info("Cache refresher started", "cache_dir", mover.CacheDir(), "buckets", cfg.RawDataBuckets)
	periodic.Run(ctx)
}
