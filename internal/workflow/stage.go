package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/morf-project/morf/internal/aggregator"
	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/notify"
	"github.com/morf-project/morf/internal/scheduler"
	"github.com/morf-project/morf/internal/shared/logging"
)

type Planner interface {
	Plan(ctx context.Context, buckets []string, mode core.Mode, level core.Level, minTraining int) ([]core.WorkUnit, error)
}

type UnitRunner interface {
	RunUnit(ctx context.Context, id core.JobIdentity, unit core.WorkUnit) core.UnitOutcome
}

type Collector interface {
	CollectResults(ctx context.Context, id core.JobIdentity, units []core.WorkUnit, destDir string) (string, aggregator.Summary, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, id core.JobIdentity) (string, error)
}

type StageConfig struct {
	ProcBucket  string
	RawBuckets  []string
	LabelType   string
	MinTraining int
}

// StageReport summarizes one executed stage.
type StageReport struct {
	Mode        core.Mode          `yaml:"mode"`
	Level       core.Level         `yaml:"level"`
	Units       int                `yaml:"units"`
	FailedUnits []string           `yaml:"failed_units,omitempty"`
	ResultKey   string             `yaml:"result_key,omitempty"`
	Missing     []string           `yaml:"missing_results,omitempty"`
	Duration    time.Duration      `yaml:"duration"`
	Failed      []core.UnitOutcome `yaml:"-"`
}

type StageRunner struct {
	cfg       StageConfig
	planner   Planner
	runner    UnitRunner
	scheduler *scheduler.Scheduler
	mover     *datamover.Mover
	collector Collector
	evaluator Evaluator
	notifier  notify.Notifier
	logger    logging.Logger
}

func NewStageRunner(
	cfg StageConfig,
	planner Planner,
	runner UnitRunner,
	sched *scheduler.Scheduler,
	mover *datamover.Mover,
	collector Collector,
	evaluator Evaluator,
	notifier notify.Notifier,
	logger logging.Logger,
) *StageRunner {
	if cfg.MinTraining < 1 {
		cfg.MinTraining = 1
	}
	return &StageRunner{
		cfg:       cfg,
		planner:   planner,
		runner:    runner,
		scheduler: sched,
		mover:     mover,
		collector: collector,
		evaluator: evaluator,
		notifier:  notifier,
		logger:    logger,
	}
}

func needsLabels(mode core.Mode) bool {
	switch mode {
	case core.ModeTrain, core.ModeTest, core.ModeCV, core.ModeEvaluate:
		return true
	}
	return false
}

func aggregates(mode core.Mode) bool {
	switch mode {
	case core.ModeExtract, core.ModeExtractHoldout, core.ModeTest:
		return true
	}
	return false
}

// RunStage executes one mode of a job. Unit failures are part of the report;
// the returned error is reserved for problems that make the stage itself
// impossible to run.
func (r *StageRunner) RunStage(ctx context.Context, id core.JobIdentity, mode core.Mode, level core.Level) (StageReport, error) {
	id = id.WithMode(mode)
	report := StageReport{Mode: mode, Level: level}
	start := time.Now()
	logger := r.logger.With("mode", mode, "level", level)
	logger.Info("Starting stage")

	if needsLabels(mode) {
		if err := core.CheckLabelType(r.cfg.LabelType); err != nil {
			return report, err
		}
	}

	if mode == core.ModeEvaluate {
		key, err := r.evaluator.Evaluate(ctx, id)
		if err != nil {
			return report, fmt.Errorf("error evaluating job: %w", err)
		}
		report.ResultKey = key
		report.Duration = time.Since(start)
		r.notifyStage(ctx, id, report)
		return report, nil
	}

	if _, err := r.mover.ClearPrefix(ctx, r.cfg.ProcBucket, id, core.KeyParts{}); err != nil {
		return report, err
	}
	switch mode {
	case core.ModeTrain, core.ModeTest, core.ModeCV:
		r.mover.SyncJobToCache(ctx, r.cfg.ProcBucket, id)
	}

	units, err := r.planner.Plan(ctx, r.cfg.RawBuckets, mode, level, r.cfg.MinTraining)
	if err != nil {
		return report, fmt.Errorf("error planning %s: %w", mode, err)
	}
	report.Units = len(units)
	if len(units) == 0 {
		logger.Warn("No work units planned")
	}

	outcomes := r.scheduler.Dispatch(ctx, id, units, r.runner.RunUnit)
	report.Failed = scheduler.Failures(outcomes)
	for _, o := range report.Failed {
		report.FailedUnits = append(report.FailedUnits, o.Unit.Name())
	}

	if aggregates(mode) && len(units) > 0 {
		key, missing, err := r.aggregate(ctx, id, units)
		report.Missing = missing
		switch {
		case errors.Is(err, core.ErrNoResults):
			logger.Warn("No results to aggregate", "error", err)
		case err != nil:
			return report, err
		default:
			report.ResultKey = key
		}
	}

	report.Duration = time.Since(start)
	logger.Info("Stage finished", "units", report.Units, "failed", len(report.Failed), "duration", report.Duration.String())
	r.notifyStage(ctx, id, report)
	return report, nil
}

func (r *StageRunner) aggregate(ctx context.Context, id core.JobIdentity, units []core.WorkUnit) (string, []string, error) {
	dir, err := os.MkdirTemp("", "morf-master-")
	if err != nil {
		return "", nil, err
	}
	defer os.RemoveAll(dir)

	path, summary, err := r.collector.CollectResults(ctx, id, units, dir)
	if err != nil {
		return "", summary.Missing, err
	}
	if len(summary.Missing) > 0 {
		r.logger.Warn("Master table is incomplete", "mode", id.Mode, "missing", summary.Missing)
	}
	key := core.StorageKey(id, core.KeyParts{Filename: filepath.Base(path)})
	if err := r.mover.PushFile(ctx, path, r.cfg.ProcBucket, key, true); err != nil {
		return "", summary.Missing, err
	}
	return key, summary.Missing, nil
}

func (r *StageRunner) notifyStage(ctx context.Context, id core.JobIdentity, report StageReport) {
	msg := notify.Message{Identity: id, Status: core.JobStatusInitialized, Stage: report.Mode, Failed: report.Failed}
	if err := r.notifier.Notify(ctx, msg); err != nil {
		r.logger.Warn("Stage notification failed", "mode", report.Mode, "error", err)
	}
}
