package aggregator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/table"
)

// Summary describes how complete an aggregated master table is.
type Summary struct {
	Units     int
	Collected int
	Missing   []string
	Rows      int
}

type Aggregator struct {
	mover      *datamover.Mover
	procBucket string
	logger     logging.Logger
}

func New(mover *datamover.Mover, procBucket string, logger logging.Logger) *Aggregator {
	return &Aggregator{mover: mover, procBucket: procBucket, logger: logger}
}

// CollectResults downloads the archive of every unit, takes its result
// table, tags the rows with the unit's course and session and writes the
// concatenation to destDir. Units without results are counted as missing.
func (a *Aggregator) CollectResults(ctx context.Context, id core.JobIdentity, units []core.WorkUnit, destDir string) (string, Summary, error) {
	summary := Summary{Units: len(units)}

	scratch, err := os.MkdirTemp("", "morf-aggregate-")
	if err != nil {
		return "", summary, err
	}
	defer os.RemoveAll(scratch)

	var tables []*table.Table
	for i, unit := range units {
		t, err := a.unitTable(ctx, id, unit, filepath.Join(scratch, fmt.Sprint(i)))
		if err != nil {
			a.logger.Warn("No results for unit", "mode", id.Mode, "unit", unit.Name(), "error", err)
			summary.Missing = append(summary.Missing, unit.Name())
			continue
		}
		tag(t, unit)
		tables = append(tables, t)
		summary.Collected++
	}
	if len(tables) == 0 {
		return "", summary, fmt.Errorf("%w for mode %s", core.ErrNoResults, id.Mode)
	}

	master := table.Concat(tables...)
	summary.Rows = len(master.Rows)
	out := filepath.Join(destDir, core.ArchiveFilename(id, core.ArchiveParts{Ext: "csv"}))
	if err := master.Write(out); err != nil {
		return "", summary, err
	}
	a.logger.Info("Aggregated results", "mode", id.Mode, "units", summary.Units,
		"collected", summary.Collected, "missing", len(summary.Missing), "rows", summary.Rows)
	return out, summary, nil
}

var errNoTable = errors.New("archive contains no csv table")

func (a *Aggregator) unitTable(ctx context.Context, id core.JobIdentity, unit core.WorkUnit, dir string) (*table.Table, error) {
	name := core.ArchiveFilename(id, core.ArchiveParts{Course: unit.Course, Session: unit.Session})
	key := core.StorageKey(id, core.KeyParts{Course: unit.Course, Session: unit.Session, Filename: name})

	archive, err := a.mover.FetchRemoteObject(ctx, a.procBucket, key, dir, "")
	if err != nil {
		return nil, err
	}
	extracted, err := datamover.Unarchive(archive, filepath.Join(dir, "out"), true)
	if err != nil {
		return nil, err
	}
	found, err := core.FindResultTables(extracted)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errNoTable
	}
	if len(found) > 1 {
		a.logger.Warn("Multiple result tables, using the first", "unit", unit.Name(), "table", filepath.Base(found[0]), "count", len(found))
	}
	return table.Read(found[0])
}

// tag stamps course and session columns for units that cover them.
func tag(t *table.Table, unit core.WorkUnit) {
	if unit.Level == core.LevelAll {
		return
	}
	t.Set("course", unit.Course)
	if session, ok := unit.SingleSession(); ok {
		t.Set("session", session)
	}
}
