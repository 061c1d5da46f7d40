package core

import "context"

// ObjectStore is the bucket/key blob storage MORF reads raw data from and
// writes job artifacts to. Missing objects are reported with ErrObjectNotFound.
type ObjectStore interface {
	// ListPrefixes returns the "directories" directly below prefix.
	ListPrefixes(ctx context.Context, bucket, prefix string) ([]string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Download(ctx context.Context, bucket, key, destPath string) error
	Upload(ctx context.Context, bucket, key, srcPath string) error
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

// Ledger persists job runs and per-unit outcomes.
type Ledger interface {
	SaveRun(run *Run) error
	UpdateRunStatus(morfID string, status JobStatus, failures int) error
	GetRun(morfID string) (*Run, error)
	ListRuns(filter RunFilter) ([]*Run, int, error)

	RecordOutcome(outcome UnitOutcome) error
	ListOutcomes(morfID string) ([]UnitOutcome, error)
}
