package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/morf-project/morf/internal/aggregator"
	"github.com/morf-project/morf/internal/catalog"
	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/engine"
	"github.com/morf-project/morf/internal/evaluate"
	"github.com/morf-project/morf/internal/notify"
	"github.com/morf-project/morf/internal/scheduler"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/storage"
	"github.com/morf-project/morf/internal/workflow"
)

// configFiles collects repeated -config flags in order.
type configFiles []string

func (c *configFiles) String() string     { return strings.Join(*c, ",") }
func (c *configFiles) Set(v string) error { *c = append(*c, v); return nil }

func main() {
	var paths configFiles
	flag.Var(&paths, "config", "path to a config file; repeat to merge client and server configs")
	summaryPath := flag.String("summary", "", "write a YAML job summary to this path")
	flag.Parse()

	if len(paths) == 0 {
		slog.Error("At least one -config file is required")
		os.Exit(2)
	}

	cfg, err := config.LoadJob(paths...)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var extra []io.Writer
	if cfg.Server.LoggingDir != "" {
		f, err := logging.OpenLogFile(cfg.Server.LoggingDir, cfg.Client.UserID+"-"+cfg.Client.JobID)
		if err != nil {
			slog.Error("Failed to open job log", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		extra = append(extra, f)
	}
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level), extra...).With("morf_id", cfg.MorfID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region, cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey)
	if err != nil {
		logger.Fatal("Failed to configure AWS", "error", err)
	}
	store := storage.NewS3Store(awsCfg)

	var ledger core.Ledger = storage.NewInMemoryLedger()
	if cfg.Server.LedgerPath != "" {
		sqlite, err := storage.NewSQLiteLedger(cfg.Server.LedgerPath)
		if err != nil {
			logger.Fatal("Failed to open ledger", "path", cfg.Server.LedgerPath, "error", err)
		}
		defer sqlite.Close()
		ledger = sqlite
	}

	dataDir := cfg.Workflow.DataDir
	procBucket := cfg.AWS.ProcDataBucket
	mover := datamover.NewMover(store, cfg.Server.CacheDir, logger, datamover.WithDataDir(dataDir))
	cat := catalog.NewCatalog(store, dataDir, logger)

	eng := engine.New(engine.Config{
		WorkRoot:   cfg.Server.LocalWorkingDirectory,
		ProcBucket: procBucket,
		ImageURL:   cfg.Client.DockerURL,
		LabelType:  cfg.Workflow.LabelType,
		DataDir:    dataDir,
		Args:       cfg.Args,

		JobImageCopy: !cfg.Server.NoCache,
	}, store, mover, cat, engine.NewDockerRuntime(cfg.Server.DockerExec, nil, logger), logger)

	evaluator := evaluate.New(evaluate.Config{
		ProcBucket:  procBucket,
		RawBuckets:  cfg.RawDataBuckets,
		DataDir:     dataDir,
		LabelType:   cfg.Workflow.LabelType,
		HashSecret:  cfg.Server.HashSecret,
		MinTraining: cfg.Workflow.NTrain,
	}, mover, cat, logger)

	notifier := notify.New(awsCfg, cfg.Server.EmailFrom, cfg.Client.EmailTo, logger)

	stages := workflow.NewStageRunner(
		workflow.StageConfig{
			ProcBucket:  procBucket,
			RawBuckets:  cfg.RawDataBuckets,
			LabelType:   cfg.Workflow.LabelType,
			MinTraining: cfg.Workflow.NTrain,
		},
		cat,
		eng,
		scheduler.NewScheduler(cfg.NumWorkers(), ledger, logger),
		mover,
		aggregator.New(mover, procBucket, logger),
		evaluator,
		notifier,
		logger,
	)

	logger.Info("Running job",
		"user_id", cfg.Client.UserID,
		"job_id", cfg.Client.JobID,
		"stages", fmt.Sprint(cfg.Stages),
		"level", cfg.Level,
		"workers", cfg.NumWorkers(),
	)
	report, runErr := workflow.NewJobRunner(cfg, ledger, mover, stages, notifier, logger).Run(ctx)

	if *summaryPath != "" {
		if err := writeSummary(*summaryPath, report); err != nil {
			logger.Error("Failed to write summary", "path", *summaryPath, "error", err)
		}
	}
	if runErr != nil {
		logger.Fatal("Job failed", "error", runErr)
	}
}

func writeSummary(path string, report *workflow.JobReport) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
