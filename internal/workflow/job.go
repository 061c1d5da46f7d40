package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/notify"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/shared/logging"
)

// JobReport is what a finished job reports back, also written as the
// optional YAML summary.
type JobReport struct {
	MorfID   string         `yaml:"morf_id"`
	UserID   string         `yaml:"user_id"`
	JobID    string         `yaml:"job_id"`
	Status   core.JobStatus `yaml:"status"`
	Error    string         `yaml:"error,omitempty"`
	Stages   []StageReport  `yaml:"stages"`
	Duration time.Duration  `yaml:"duration"`
}

// JobRunner runs every configured stage of a job and tracks the run status.
type JobRunner struct {
	cfg      *config.JobConfig
	ledger   core.Ledger
	mover    *datamover.Mover
	stages   *StageRunner
	notifier notify.Notifier
	logger   logging.Logger
}

func NewJobRunner(cfg *config.JobConfig, ledger core.Ledger, mover *datamover.Mover, stages *StageRunner, notifier notify.Notifier, logger logging.Logger) *JobRunner {
	return &JobRunner{
		cfg:      cfg,
		ledger:   ledger,
		mover:    mover,
		stages:   stages,
		notifier: notifier,
		logger:   logger,
	}
}

func (j *JobRunner) Run(ctx context.Context) (*JobReport, error) {
	id := j.cfg.Identity()
	start := time.Now()
	report := &JobReport{MorfID: id.MorfID, UserID: id.UserID, JobID: id.JobID, Status: core.JobStatusStart}

	now := start.UTC()
	run := &core.Run{
		MorfID:    id.MorfID,
		UserID:    id.UserID,
		JobID:     id.JobID,
		Status:    core.JobStatusStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := j.ledger.SaveRun(run); err != nil {
		return report, fmt.Errorf("error recording run: %w", err)
	}
	j.logger.Info("Job started", "morf_id", id.MorfID, "user_id", id.UserID, "job_id", id.JobID)

	err := j.run(ctx, id, run, report)
	report.Duration = time.Since(start)

	failures := 0
	var failed []core.UnitOutcome
	for _, s := range report.Stages {
		failures += len(s.Failed)
		failed = append(failed, s.Failed...)
	}
	report.Status = core.JobStatusSuccess
	if err != nil {
		report.Status = core.JobStatusFailed
		report.Error = err.Error()
		j.logger.Error("Job failed", "morf_id", id.MorfID, "error", err)
	} else {
		j.logger.Info("Job finished", "morf_id", id.MorfID, "failed_units", failures, "duration", report.Duration.String())
	}
	if uerr := j.ledger.UpdateRunStatus(id.MorfID, report.Status, failures); uerr != nil {
		j.logger.Error("Failed to update run status", "morf_id", id.MorfID, "error", uerr)
	}
	j.notify(ctx, notify.Message{Identity: id, Status: report.Status, Failed: failed, Err: err})
	return report, err
}

func (j *JobRunner) run(ctx context.Context, id core.JobIdentity, run *core.Run, report *JobReport) error {
	if !j.cfg.Server.NoMorfCache {
		for _, bucket := range j.cfg.RawDataBuckets {
			j.mover.SyncBucketToCache(ctx, bucket)
		}
	}

	if err := j.stageJobFiles(ctx, id); err != nil {
		return err
	}
	if err := j.ledger.UpdateRunStatus(id.MorfID, core.JobStatusInitialized, 0); err != nil {
		return fmt.Errorf("error recording run: %w", err)
	}
	j.notify(ctx, notify.Message{Identity: id, Status: core.JobStatusInitialized})

	for _, mode := range j.cfg.Stages {
		run.Mode = mode
		run.Status = core.JobStatusInitialized
		run.UpdatedAt = time.Now().UTC()
		if err := j.ledger.SaveRun(run); err != nil {
			j.logger.Warn("Failed to record stage", "mode", mode, "error", err)
		}

		stage, err := j.stages.RunStage(ctx, id, mode, j.cfg.Level)
		report.Stages = append(report.Stages, stage)
		run.Failures += len(stage.Failed)
		if err != nil {
			return fmt.Errorf("stage %s: %w", mode, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// stageJobFiles fetches the image once to validate docker_url and, unless
// no_cache is set, keeps a copy of the image and configuration next to the
// job's results.
func (j *JobRunner) stageJobFiles(ctx context.Context, id core.JobIdentity) error {
	dir, err := os.MkdirTemp(j.cfg.Server.LocalWorkingDirectory, "morf-job-")
	if err != nil {
		return fmt.Errorf("error creating working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	image, err := j.mover.FetchFile(ctx, j.cfg.Client.DockerURL, dir, core.JobImageFile)
	if err != nil {
		return fmt.Errorf("error fetching image %s: %w", j.cfg.Client.DockerURL, err)
	}
	if j.cfg.Server.NoCache {
		return nil
	}

	configPath := filepath.Join(dir, core.JobConfigFile)
	if err := os.WriteFile(configPath, j.cfg.Combined, 0o644); err != nil {
		return err
	}
	bucket := j.cfg.AWS.ProcDataBucket
	for _, path := range []string{image, configPath} {
		if err := j.mover.PushFile(ctx, path, bucket, core.JobFileKey(id, filepath.Base(path)), true); err != nil {
			return err
		}
	}
	j.logger.Info("Job files uploaded", "bucket", bucket, "prefix", core.StorageKey(id, core.KeyParts{}))
	return nil
}

func (j *JobRunner) notify(ctx context.Context, msg notify.Message) {
	if err := j.notifier.Notify(ctx, msg); err != nil {
		j.logger.Warn("Notification failed", "status", msg.Status, "error", err)
	}
}
