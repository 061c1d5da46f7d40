package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

// fakeRuntime writes one feature row per unit and fails for failSession.
type fakeRuntime struct {
	failSession string

	mu   sync.Mutex
	runs []engine.RunArgs
}

func (f *fakeRuntime) Load(context.Context, string) (string, error) { return "img", nil }
func (f *fakeRuntime) Remove(context.Context, string) error         { return nil }

func (f *fakeRuntime) Run(_ context.Context, args engine.RunArgs) error {
	f.mu.Lock()
	f.runs = append(f.runs, args)
	f.mu.Unlock()
	if f.failSession != "" && args.Session == f.failSession {
		return errors.New("exit status 1")
	}
	return os.WriteFile(filepath.Join(args.OutputDir, "features.csv"), []byte("userID,f1\n1,0.5\n"), 0o644)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingNotifier) statuses() []core.JobStatus {
	var out []core.JobStatus
	for _, m := range r.messages {
		out = append(out, m.Status)
	}
	return out
}

type fixture struct {
	store    *storage.InMemoryObjectStore
	ledger   *storage.InMemoryLedger
	runtime  *fakeRuntime
	notifier *recordingNotifier
	mover    *datamover.Mover
	stages   *StageRunner
}

var testID = core.JobIdentity{UserID: "u", JobID: "j", MorfID: "m1"}

func newFixture(t *testing.T, labelType string) *fixture {
	t.Helper()
	store := storage.NewInMemoryObjectStore()
	store.Put("images", "extractor.tar", []byte("image-bytes"))
	for _, s := range []string{"001", "002", "003"} {
		store.Put("b1", "morf-data/c1/"+s+"/clicks.csv", []byte("click-"+s))
	}

	logger := logging.Nop{}
	ledger := storage.NewInMemoryLedger()
	rt := &fakeRuntime{}
	notifier := &recordingNotifier{}
	mover := datamover.NewMover(store, "", logger)
	cat := catalog.NewCatalog(store, "", logger)

	eng := engine.New(engine.Config{
		WorkRoot:   t.TempDir(),
		ProcBucket: "proc",
		ImageURL:   "s3://images/extractor.tar",
		LabelType:  labelType,
	}, store, mover, cat, rt, logger)
	eval := evaluate.New(evaluate.Config{
		ProcBucket: "proc",
		RawBuckets: []string{"b1"},
		LabelType:  labelType,
	}, mover, cat, logger)

	stages := NewStageRunner(
		StageConfig{ProcBucket: "proc", RawBuckets: []string{"b1"}, LabelType: labelType, MinTraining: 1},
		cat,
		eng,
		scheduler.NewScheduler(2, ledger, logger),
		mover,
		aggregator.New(mover, "proc", logger),
		eval,
		notifier,
		logger,
	)
	return &fixture{store: store, ledger: ledger, runtime: rt, notifier: notifier, mover: mover, stages: stages}
}

func readObject(t *testing.T, store *storage.InMemoryObjectStore, bucket, key string) string {
	t.Helper()
	data, ok := store.Get(bucket, key)
	require.True(t, ok, "missing s3://%s/%s", bucket, key)
	return string(data)
}

func TestRunStage_ExtractUsesTrainingSessions(t *testing.T) {
	f := newFixture(t, "dropout")
	f.store.Put("proc", "u/j/extract/stale.tgz", []byte("old"))

	report, err := f.stages.RunStage(context.Background(), testID, core.ModeExtract, core.LevelSession)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Units)
	assert.Empty(t, report.Failed)
	assert.Equal(t, "u/j/extract/u-j-extract.csv", report.ResultKey)

	_, stale := f.store.Get("proc", "u/j/extract/stale.tgz")
	assert.False(t, stale)
	assert.Equal(t, "userID,f1,course,session\n1,0.5,c1,001\n1,0.5,c1,002\n",
		readObject(t, f.store, "proc", "u/j/extract/u-j-extract.csv"))

	var sessions []string
	for _, r := range f.runtime.runs {
		sessions = append(sessions, r.Session)
	}
	assert.ElementsMatch(t, []string{"001", "002"}, sessions)

	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, core.ModeExtract, f.notifier.messages[0].Stage)
}

func TestRunStage_ExtractHoldoutUsesLastSession(t *testing.T) {
	f := newFixture(t, "dropout")

	report, err := f.stages.RunStage(context.Background(), testID, core.ModeExtractHoldout, core.LevelSession)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Units)
	require.Len(t, f.runtime.runs, 1)
	assert.Equal(t, "003", f.runtime.runs[0].Session)
	assert.Equal(t, "userID,f1,course,session\n1,0.5,c1,003\n",
		readObject(t, f.store, "proc", "u/j/extract-holdout/u-j-extract-holdout.csv"))
}

func TestRunStage_FailedUnitDoesNotStopStage(t *testing.T) {
	f := newFixture(t, "dropout")
	f.runtime.failSession = "002"

	report, err := f.stages.RunStage(context.Background(), testID, core.ModeExtract, core.LevelSession)

	require.NoError(t, err)
	assert.Equal(t, []string{"c1/002"}, report.FailedUnits)
	assert.Equal(t, []string{"c1/002"}, report.Missing)
	assert.Equal(t, "userID,f1,course,session\n1,0.5,c1,001\n",
		readObject(t, f.store, "proc", "u/j/extract/u-j-extract.csv"))

	outcomes, err := f.ledger.ListOutcomes("m1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)

	require.Len(t, f.notifier.messages, 1)
	require.Len(t, f.notifier.messages[0].Failed, 1)
	assert.Equal(t, core.UnitStateRunning, f.notifier.messages[0].Failed[0].LastState)
}

func TestRunStage_AllUnitsFailed(t *testing.T) {
	f := newFixture(t, "dropout")
	f.runtime.failSession = "003"

	report, err := f.stages.RunStage(context.Background(), testID, core.ModeExtractHoldout, core.LevelSession)

	require.NoError(t, err)
	assert.Empty(t, report.ResultKey)
	assert.Equal(t, []string{"c1/003"}, report.FailedUnits)
}

func TestRunStage_InvalidLabelType(t *testing.T) {
	f := newFixture(t, "grade")

	_, err := f.stages.RunStage(context.Background(), testID, core.ModeTrain, core.LevelCourse)

	assert.ErrorIs(t, err, core.ErrInvalidLabelType)
	assert.Empty(t, f.runtime.runs)
}

func jobConfig(t *testing.T, stages ...core.Mode) *config.JobConfig {
	return &config.JobConfig{
		AWS:            config.AWSConfig{ProcDataBucket: "proc"},
		Client:         config.ClientConfig{UserID: "u", JobID: "j", DockerURL: "s3://images/extractor.tar"},
		Server:         config.ServerConfig{LocalWorkingDirectory: t.TempDir(), NoMorfCache: true},
		MorfID:         "m1",
		RawDataBuckets: []string{"b1"},
		Stages:         stages,
		Level:          core.LevelSession,
		Combined:       []byte("[client]\nuser_id = u\n"),
	}
}

func TestJobRunner_Success(t *testing.T) {
	f := newFixture(t, "dropout")
	f.runtime.failSession = "001"
	cfg := jobConfig(t, core.ModeExtract, core.ModeExtractHoldout)

	report, err := NewJobRunner(cfg, f.ledger, f.mover, f.stages, f.notifier, logging.Nop{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, core.JobStatusSuccess, report.Status)
	require.Len(t, report.Stages, 2)

	run, err := f.ledger.GetRun("m1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusSuccess, run.Status)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, core.ModeExtractHoldout, run.Mode)

	assert.Equal(t, "image-bytes", readObject(t, f.store, "proc", "u/j/docker_image"))
	assert.Equal(t, "[client]\nuser_id = u\n", readObject(t, f.store, "proc", "u/j/config.ini"))

	assert.Equal(t, []core.JobStatus{
		core.JobStatusInitialized,
		core.JobStatusInitialized,
		core.JobStatusInitialized,
		core.JobStatusSuccess,
	}, f.notifier.statuses())
	final := f.notifier.messages[len(f.notifier.messages)-1]
	require.Len(t, final.Failed, 1)
	assert.Equal(t, "c1/001", final.Failed[0].Unit.Name())
}

func TestJobRunner_NoCacheSkipsJobFiles(t *testing.T) {
	f := newFixture(t, "dropout")
	cfg := jobConfig(t, core.ModeExtract)
	cfg.Server.NoCache = true

	_, err := NewJobRunner(cfg, f.ledger, f.mover, f.stages, f.notifier, logging.Nop{}).Run(context.Background())

	require.NoError(t, err)
	_, ok := f.store.Get("proc", "u/j/docker_image")
	assert.False(t, ok)
}

func TestJobRunner_StageErrorFailsJob(t *testing.T) {
	f := newFixture(t, "grade")
	cfg := jobConfig(t, core.ModeExtract, core.ModeTrain, core.ModeTest)

	report, err := NewJobRunner(cfg, f.ledger, f.mover, f.stages, f.notifier, logging.Nop{}).Run(context.Background())

	assert.ErrorIs(t, err, core.ErrInvalidLabelType)
	assert.Equal(t, core.JobStatusFailed, report.Status)
	assert.Len(t, report.Stages, 2)

	run, err := f.ledger.GetRun("m1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, run.Status)
}

func TestJobRunner_MissingImage(t *testing.T) {
	f := newFixture(t, "dropout")
	cfg := jobConfig(t, core.ModeExtract)
	cfg.Client.DockerURL = "s3://images/missing.tar"

	report, err := NewJobRunner(cfg, f.ledger, f.mover, f.stages, f.notifier, logging.Nop{}).Run(context.Background())

	assert.ErrorIs(t, err, core.ErrObjectNotFound)
	assert.Equal(t, core.JobStatusFailed, report.Status)
	assert.Empty(t, report.Stages)
	assert.Equal(t, []core.JobStatus{core.JobStatusFailed}, f.notifier.statuses())
}
