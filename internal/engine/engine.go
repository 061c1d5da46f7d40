package engine

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/shared/logging"
)

type Config struct {
	WorkRoot   string
	ProcBucket string
	ImageURL   string
	LabelType  string
	DataDir    string
	Args       map[string]string

	// JobImageCopy is set when the job keeps its image at user/job/docker_image.
	JobImageCopy bool
}

// SessionLister tells the engine which session of a course is the holdout.
type SessionLister interface {
	ListSessions(ctx context.Context, bucket, course string, filter core.SessionFilter) ([]string, error)
}

// Engine runs one work unit end to end inside its own working directory.
type Engine struct {
	cfg      Config
	store    core.ObjectStore
	mover    *datamover.Mover
	sessions SessionLister
	runtime  ContainerRuntime
	logger   logging.Logger
}

func New(cfg Config, store core.ObjectStore, mover *datamover.Mover, sessions SessionLister, runtime ContainerRuntime, logger logging.Logger) *Engine {
	if cfg.DataDir == "" {
		cfg.DataDir = "morf-data/"
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		mover:    mover,
		sessions: sessions,
		runtime:  runtime,
		logger:   logger,
	}
}

// RunUnit drives unit through staging, container execution and upload.
// It never returns an error: failures are reported in the outcome together
// with the last state the unit reached.
func (e *Engine) RunUnit(ctx context.Context, id core.JobIdentity, unit core.WorkUnit) (outcome core.UnitOutcome) {
	outcome = core.UnitOutcome{
		ID:        uuid.New(),
		MorfID:    id.MorfID,
		Mode:      id.Mode,
		Unit:      unit,
		State:     core.UnitStatePending,
		LastState: core.UnitStatePending,
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.With("mode", id.Mode, "unit", unit.Name(), "outcome_id", outcome.ID.String())

	advance := func(state core.UnitState) {
		outcome.State = state
		outcome.LastState = state
		logger.Debug("Unit state changed", "state", state)
	}
	fail := func(err error) core.UnitOutcome {
		outcome.State = core.UnitStateFailed
		outcome.Err = err
		outcome.FinishedAt = time.Now().UTC()
		logger.Error("Unit failed", "last_state", outcome.LastState, "error", err)
		return outcome
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	workDir, err := core.CreateUnitWorkDir(e.cfg.WorkRoot, id)
	if err != nil {
		return fail(fmt.Errorf("error creating working directory: %w", err))
	}
	defer os.RemoveAll(workDir)

	input, output, err := core.InitializeInputOutputDirs(workDir)
	if err != nil {
		return fail(err)
	}
	imagePath, err := e.fetchImage(ctx, id, workDir)
	if err != nil {
		return fail(fmt.Errorf("error fetching image: %w", err))
	}

	if err := e.stageInputs(ctx, id, unit, workDir, input); err != nil {
		return fail(fmt.Errorf("error staging inputs: %w", err))
	}
	advance(core.UnitStateInputsStaged)

	imageID, err := e.runtime.Load(ctx, imagePath)
	if err != nil {
		return fail(err)
	}
	advance(core.UnitStateImageLoaded)

	advance(core.UnitStateRunning)
	runErr := e.runtime.Run(ctx, RunArgs{
		Name:      core.ContainerName(id, id.Mode, unit.Course, unit.Session),
		Image:     imageID,
		InputDir:  input,
		OutputDir: output,
		Course:    unit.Course,
		Session:   unit.Session,
		Mode:      id.Mode,
		Extra:     e.cfg.Args,
	})
	if err := e.runtime.Remove(context.WithoutCancel(ctx), imageID); err != nil {
		logger.Warn("Failed to remove image", "image", imageID, "error", err)
	}
	if runErr != nil {
		return fail(runErr)
	}

	key, err := e.mover.PushArchive(ctx, output, e.cfg.ProcBucket, id, core.ArchiveParts{Course: unit.Course, Session: unit.Session})
	if err != nil {
		return fail(err)
	}
	advance(core.UnitStateOutputArchived)
	advance(core.UnitStateUploaded)

	advance(core.UnitStateDone)
	outcome.FinishedAt = time.Now().UTC()
	logger.Info("Unit completed", "key", key, "duration", outcome.FinishedAt.Sub(outcome.StartedAt).String())
	return outcome
}

// fetchImage prefers the job's copy of the image in the processed bucket,
// which the cache may already hold, over downloading docker_url again.
func (e *Engine) fetchImage(ctx context.Context, id core.JobIdentity, workDir string) (string, error) {
	if e.cfg.JobImageCopy {
		local, err := e.fetchProcessed(ctx, core.JobFileKey(id, core.JobImageFile), workDir)
		if err == nil {
			return local, nil
		}
		e.logger.Warn("Job image copy unavailable, using docker_url", "url", e.cfg.ImageURL, "error", err)
	}
	return e.mover.FetchFile(ctx, e.cfg.ImageURL, workDir, core.JobImageFile)
}
