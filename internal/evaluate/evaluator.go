package evaluate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/table"
)

const (
	labelsFile = "labels-test.csv"

	userColumn   = "userID"
	courseColumn = "course"
	probColumn   = "prob"
	predColumn   = "pred"
	labelColumn  = "label_value"
	typeColumn   = "label_type"
)

// CourseLister reports which courses of a bucket are complete.
type CourseLister interface {
	ListCompleteCourses(ctx context.Context, bucket string, minTraining int) ([]string, error)
}

type Config struct {
	ProcBucket  string
	RawBuckets  []string
	DataDir     string
	LabelType   string
	HashSecret  string
	MinTraining int
}

// Evaluator scores the test-stage predictions of a job against the held
// out labels, per complete course.
type Evaluator struct {
	cfg     Config
	mover   *datamover.Mover
	courses CourseLister
	logger  logging.Logger
}

func New(cfg Config, mover *datamover.Mover, courses CourseLister, logger logging.Logger) *Evaluator {
	if cfg.DataDir == "" {
		cfg.DataDir = "morf-data/"
	}
	return &Evaluator{cfg: cfg, mover: mover, courses: courses, logger: logger}
}

// Evaluate computes the metrics table and uploads it under the job's
// evaluate prefix. It returns the uploaded key.
func (e *Evaluator) Evaluate(ctx context.Context, id core.JobIdentity) (string, error) {
	id = id.WithMode(core.ModeEvaluate)
	if err := core.CheckLabelType(e.cfg.LabelType); err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp("", "morf-evaluate-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	predictions, err := e.fetchPredictions(ctx, id, workDir)
	if err != nil {
		return "", err
	}

	result := &table.Table{Header: append([]string{courseColumn}, MetricColumns...)}
	for _, bucket := range e.cfg.RawBuckets {
		rows, err := e.evaluateBucket(ctx, id, bucket, predictions, filepath.Join(workDir, bucket))
		if err != nil {
			return "", err
		}
		result.Rows = append(result.Rows, rows...)
	}

	name := core.ArchiveFilename(id, core.ArchiveParts{Ext: "csv"})
	out := filepath.Join(workDir, name)
	if err := result.Write(out); err != nil {
		return "", err
	}
	key := core.StorageKey(id, core.KeyParts{Filename: name})
	if err := e.mover.PushFile(ctx, out, e.cfg.ProcBucket, key, true); err != nil {
		return "", err
	}
	e.logger.Info("Evaluation uploaded", "url", core.S3URL(e.cfg.ProcBucket, key), "courses", len(result.Rows))
	return key, nil
}

type predictionKey struct {
	user   string
	course string
}

type prediction struct {
	prob string
	pred string
}

func (e *Evaluator) fetchPredictions(ctx context.Context, id core.JobIdentity, dir string) (map[predictionKey]prediction, error) {
	testID := id.WithMode(core.ModeTest)
	name := core.ArchiveFilename(testID, core.ArchiveParts{Ext: "csv"})
	key := core.StorageKey(testID, core.KeyParts{Filename: name})
	local, err := e.mover.FetchRemoteObject(ctx, e.cfg.ProcBucket, key, dir, "")
	if err != nil {
		return nil, fmt.Errorf("error fetching predictions: %w", err)
	}
	t, err := table.Read(local)
	if err != nil {
		return nil, err
	}
	for _, col := range []string{userColumn, courseColumn, probColumn, predColumn} {
		if !t.Has(col) {
			return nil, fmt.Errorf("prediction table %s has no %q column", name, col)
		}
	}

	predictions := make(map[predictionKey]prediction, len(t.Rows))
	for _, rec := range t.Records() {
		predictions[predictionKey{rec[userColumn], rec[courseColumn]}] = prediction{prob: rec[probColumn], pred: rec[predColumn]}
	}
	return predictions, nil
}

func (e *Evaluator) evaluateBucket(ctx context.Context, id core.JobIdentity, bucket string, predictions map[predictionKey]prediction, dir string) ([][]string, error) {
	local, err := e.mover.FetchRemoteObject(ctx, bucket, e.cfg.DataDir+labelsFile, dir, "")
	if err != nil {
		return nil, fmt.Errorf("error fetching labels: %w", err)
	}
	labels, err := table.Read(local)
	if err != nil {
		return nil, err
	}
	labels = labels.Filter(map[string]string{typeColumn: e.cfg.LabelType})

	courses, err := e.courses.ListCompleteCourses(ctx, bucket, e.cfg.MinTraining)
	if err != nil {
		return nil, err
	}
	complete := make(map[string]bool, len(courses))
	for _, c := range courses {
		complete[c] = true
	}

	byCourse := map[string][]Observation{}
	incomplete := &core.IncompletePredictionsError{}
	missingCols := map[string]bool{}
	missingCourses := map[string]bool{}
	for _, rec := range labels.Records() {
		course := rec[courseColumn]
		if !complete[course] {
			continue
		}
		p := predictions[predictionKey{rec[userColumn], course}]
		if p.prob == "" {
			missingCols[probColumn] = true
			missingCourses[course] = true
		}
		if p.pred == "" {
			missingCols[predColumn] = true
			missingCourses[course] = true
		}
		if missingCourses[course] {
			continue
		}
		obs, err := observation(rec[labelColumn], p)
		if err != nil {
			return nil, fmt.Errorf("course %s user %s: %w", course, rec[userColumn], err)
		}
		byCourse[course] = append(byCourse[course], obs)
	}
	if len(missingCourses) > 0 {
		incomplete.Columns = sortedKeys(missingCols)
		incomplete.Courses = sortedKeys(missingCourses)
		e.logger.Error("Incomplete predictions", "bucket", bucket, "courses", incomplete.Courses)
		return nil, incomplete
	}

	var rows [][]string
	for _, course := range courses {
		obs := byCourse[course]
		if len(obs) == 0 {
			e.logger.Warn("No labels for course, skipping", "bucket", bucket, "course", course)
			continue
		}
		m := Compute(obs)
		if m.NPositive == 0 || m.NNegative == 0 {
			e.logger.Warn("Only one class present; ranking metrics undefined", "course", course)
		}
		hashed := core.HashCourse(course, id.UserID, e.cfg.HashSecret)
		rows = append(rows, append([]string{hashed}, m.Values()...))
	}
	return rows, nil
}

func observation(label string, p prediction) (Observation, error) {
	var (
		o   Observation
		err error
	)
	if o.Label, err = strconv.ParseFloat(label, 64); err != nil {
		return o, fmt.Errorf("invalid label %q", label)
	}
	if o.Prob, err = strconv.ParseFloat(p.prob, 64); err != nil {
		return o, fmt.Errorf("invalid prob %q", p.prob)
	}
	if o.Pred, err = strconv.ParseFloat(p.pred, 64); err != nil {
		return o, fmt.Errorf("invalid pred %q", p.pred)
	}
	return o, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
