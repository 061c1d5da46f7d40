package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/datamover"
	"github.com/morf-project/morf/internal/table"
)

const (
	trainLabelsFile = "labels-train.csv"
	testLabelsFile  = "labels-test.csv"
)

// stager holds the tables downloaded for one unit so each is fetched once.
type stager struct {
	e       *Engine
	id      core.JobIdentity
	scratch string
	masters map[core.Mode]*table.Table
	labels  map[string]*table.Table
}

func (e *Engine) stageInputs(ctx context.Context, id core.JobIdentity, unit core.WorkUnit, workDir, input string) error {
	switch id.Mode {
	case core.ModeExtract, core.ModeExtractHoldout:
		for _, cs := range unit.Scope {
			for _, session := range cs.Sessions {
				if err := e.mover.FetchRawSession(ctx, cs.Bucket, cs.Course, session, input); err != nil {
					return err
				}
			}
		}
		return nil
	case core.ModeTrain, core.ModeTest, core.ModeCV:
		s := &stager{
			e:       e,
			id:      id,
			scratch: filepath.Join(workDir, "staging"),
			masters: map[core.Mode]*table.Table{},
			labels:  map[string]*table.Table{},
		}
		for _, cs := range unit.Scope {
			for _, session := range cs.Sessions {
				if err := s.stageSession(ctx, cs, session, input); err != nil {
					return err
				}
			}
		}
		if id.Mode == core.ModeTest || id.Mode == core.ModeCV {
			e.stageModels(ctx, id, unit, s.scratch, input)
		}
		return nil
	default:
		return fmt.Errorf("mode %s does not run containers", id.Mode)
	}
}

func (s *stager) stageSession(ctx context.Context, cs core.CourseSessions, session, input string) error {
	mode := s.id.Mode
	holdout := mode == core.ModeTest
	if mode == core.ModeCV {
		sessions, err := s.e.sessions.ListSessions(ctx, cs.Bucket, cs.Course, core.SessionsHoldout)
		if err != nil {
			return err
		}
		holdout = len(sessions) == 1 && sessions[0] == session
	}

	source := mode.FeatureSourceMode()
	if mode == core.ModeCV && holdout {
		source = core.ModeExtractHoldout
	}
	master, err := s.masterTable(ctx, source)
	if err != nil {
		return err
	}
	sessionDir := filepath.Join(input, cs.Course, session)
	features := master.Filter(map[string]string{"course": cs.Course, "session": session}).Drop("course", "session")
	if err := features.Write(filepath.Join(sessionDir, core.FeatureCSVName(cs.Course, session))); err != nil {
		return err
	}

	if mode == core.ModeTest {
		return nil
	}
	labelsFile := trainLabelsFile
	if holdout {
		labelsFile = testLabelsFile
	}
	all, err := s.labelTable(ctx, cs.Bucket, labelsFile)
	if err != nil {
		return err
	}
	labels := all.Filter(map[string]string{
		"course":     cs.Course,
		"session":    session,
		"label_type": s.e.cfg.LabelType,
	}).Drop("course", "session", "label_type")
	return labels.Write(filepath.Join(sessionDir, core.LabelCSVName(cs.Course, session)))
}

func (s *stager) masterTable(ctx context.Context, source core.Mode) (*table.Table, error) {
	if t, ok := s.masters[source]; ok {
		return t, nil
	}
	name := core.ArchiveFilename(s.id, core.ArchiveParts{Mode: source, Ext: "csv"})
	key := core.StorageKey(s.id, core.KeyParts{Mode: source, Filename: name})
	local, err := s.e.fetchProcessed(ctx, key, s.scratch)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s features: %w", source, err)
	}
	t, err := table.Read(local)
	if err != nil {
		return nil, err
	}
	s.masters[source] = t
	return t, nil
}

func (s *stager) labelTable(ctx context.Context, bucket, file string) (*table.Table, error) {
	cacheKey := bucket + "/" + file
	if t, ok := s.labels[cacheKey]; ok {
		return t, nil
	}
	dir := filepath.Join(s.scratch, "labels", bucket)
	key := s.e.cfg.DataDir + file
	local, ok, err := s.e.mover.FetchWithCache(filepath.Join(bucket, key), dir)
	if err != nil || !ok {
		local, err = s.e.mover.FetchRemoteObject(ctx, bucket, key, dir, "")
		if err != nil {
			return nil, fmt.Errorf("error fetching labels: %w", err)
		}
	}
	t, err := table.Read(local)
	if err != nil {
		return nil, err
	}
	s.labels[cacheKey] = t
	return t, nil
}

// stageModels unpacks the trained models a test or cv unit needs into
// input. Missing models are logged and skipped.
func (e *Engine) stageModels(ctx context.Context, id core.JobIdentity, unit core.WorkUnit, scratch, input string) {
	var keys []string
	if unit.Level == core.LevelAll {
		name := core.ArchiveFilename(id, core.ArchiveParts{Mode: core.ModeTrain})
		keys = append(keys, core.StorageKey(id, core.KeyParts{Mode: core.ModeTrain, Filename: name}))
	} else {
		prefix := core.StoragePrefix(id, core.KeyParts{Mode: core.ModeTrain})
		objects, err := e.store.ListObjects(ctx, e.cfg.ProcBucket, prefix)
		if err != nil {
			e.logger.Error("Failed to list trained models", "prefix", prefix, "error", err)
			return
		}
		// Course and session models live under train/<course>/.
		for _, obj := range objects {
			course, _, nested := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
			if nested && course == unit.Course && strings.HasSuffix(obj.Key, "."+core.DefaultArchiveExt) {
				keys = append(keys, obj.Key)
			}
		}
	}

	if len(keys) == 0 {
		e.logger.Warn("No trained model found", "unit", unit.Name())
	}
	for _, key := range keys {
		local, err := e.fetchProcessed(ctx, key, filepath.Join(scratch, "models"))
		if err != nil {
			e.logger.Warn("Skipping missing model", "key", key, "error", err)
			continue
		}
		if _, err := datamover.Unarchive(local, input, true); err != nil {
			e.logger.Warn("Skipping unreadable model", "key", key, "error", err)
		}
	}
}

// fetchProcessed fetches a key of the processed-data bucket, preferring the cache.
func (e *Engine) fetchProcessed(ctx context.Context, key, dir string) (string, error) {
	local, ok, err := e.mover.FetchWithCache(filepath.Join(e.cfg.ProcBucket, filepath.FromSlash(key)), dir)
	if err == nil && ok {
		return local, nil
	}
	return e.mover.FetchRemoteObject(ctx, e.cfg.ProcBucket, key, dir, "")
}
