package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
)

const DefaultDataDir = "morf-data/"

// Catalog enumerates the courses and sessions of raw-data buckets. The
// bucket layout is <dataDir><course>/<session>/...
type Catalog struct {
	store   core.ObjectStore
	dataDir string
	logger  logging.Logger
}

func NewCatalog(store core.ObjectStore, dataDir string, logger logging.Logger) *Catalog {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if !strings.HasSuffix(dataDir, "/") {
		dataDir += "/"
	}
	return &Catalog{store: store, dataDir: dataDir, logger: logger}
}

func (c *Catalog) ListCourses(ctx context.Context, bucket string) ([]string, error) {
	prefixes, err := c.store.ListPrefixes(ctx, bucket, c.dataDir)
	if err != nil {
		return nil, fmt.Errorf("error listing courses in %s: %w", bucket, err)
	}
	courses := childNames(prefixes, c.dataDir)
	sort.Strings(courses)
	return courses, nil
}

func (c *Catalog) ListSessions(ctx context.Context, bucket, course string, filter core.SessionFilter) ([]string, error) {
	parent := c.dataDir + course + "/"
	prefixes, err := c.store.ListPrefixes(ctx, bucket, parent)
	if err != nil {
		return nil, fmt.Errorf("error listing sessions of %s in %s: %w", course, bucket, err)
	}
	sessions := childNames(prefixes, parent)
	SortSessions(sessions)

	switch filter {
	case core.SessionsTraining:
		if len(sessions) == 0 {
			return sessions, nil
		}
		return sessions[:len(sessions)-1], nil
	case core.SessionsHoldout:
		if len(sessions) == 0 {
			return nil, &core.AmbiguousSessionOrderError{Bucket: bucket, Course: course}
		}
		return sessions[len(sessions)-1:], nil
	default:
		return sessions, nil
	}
}

// ListCompleteCourses returns the courses with at least minTraining training
// sessions and exactly one holdout session.
func (c *Catalog) ListCompleteCourses(ctx context.Context, bucket string, minTraining int) ([]string, error) {
	courses, err := c.ListCourses(ctx, bucket)
	if err != nil {
		return nil, err
	}

	complete := make([]string, 0, len(courses))
	for _, course := range courses {
		training, err := c.ListSessions(ctx, bucket, course, core.SessionsTraining)
		if err != nil {
			return nil, err
		}
		holdout, err := c.ListSessions(ctx, bucket, course, core.SessionsHoldout)
		var ambiguous *core.AmbiguousSessionOrderError
		if errors.As(err, &ambiguous) {
			c.logger.Warn("Excluding course without sessions", "bucket", bucket, "course", course)
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(training) < minTraining || len(holdout) != 1 {
			c.logger.Warn("Excluding incomplete course", "bucket", bucket, "course", course,
				"training_sessions", len(training), "required", minTraining)
			continue
		}
		complete = append(complete, course)
	}
	return complete, nil
}

// CompleteCoursesAndSessions returns every complete course of every bucket
// together with all of its sessions.
func (c *Catalog) CompleteCoursesAndSessions(ctx context.Context, buckets []string, minTraining int) ([]core.CourseSessions, error) {
	var result []core.CourseSessions
	for _, bucket := range buckets {
		courses, err := c.ListCompleteCourses(ctx, bucket, minTraining)
		if err != nil {
			return nil, err
		}
		for _, course := range courses {
			sessions, err := c.ListSessions(ctx, bucket, course, core.SessionsAll)
			if err != nil {
				return nil, err
			}
			result = append(result, core.CourseSessions{Bucket: bucket, Course: course, Sessions: sessions})
		}
	}
	return result, nil
}

// Plan expands a stage into work units. Session selection follows the mode:
// extract and train see training sessions, extract-holdout and test see the
// holdout, cv sees every session.
func (c *Catalog) Plan(ctx context.Context, buckets []string, mode core.Mode, level core.Level, minTraining int) ([]core.WorkUnit, error) {
	if mode == core.ModeEvaluate {
		return nil, fmt.Errorf("mode %s does not run work units", mode)
	}
	filter := core.SessionFilterFor(mode)

	var scope []core.CourseSessions
	for _, bucket := range buckets {
		courses, err := c.ListCompleteCourses(ctx, bucket, minTraining)
		if err != nil {
			return nil, err
		}
		for _, course := range courses {
			sessions, err := c.ListSessions(ctx, bucket, course, filter)
			if err != nil {
				return nil, err
			}
			if len(sessions) == 0 {
				c.logger.Debug("No sessions selected", "bucket", bucket, "course", course, "mode", mode)
				continue
			}
			scope = append(scope, core.CourseSessions{Bucket: bucket, Course: course, Sessions: sessions})
		}
	}

	switch level {
	case core.LevelAll:
		if len(scope) == 0 {
			return nil, nil
		}
		return []core.WorkUnit{{Level: core.LevelAll, Scope: scope}}, nil
	case core.LevelCourse:
		units := make([]core.WorkUnit, 0, len(scope))
		for _, cs := range scope {
			units = append(units, core.WorkUnit{Level: core.LevelCourse, Course: cs.Course, Scope: []core.CourseSessions{cs}})
		}
		return units, nil
	case core.LevelSession:
		var units []core.WorkUnit
		for _, cs := range scope {
			for _, session := range cs.Sessions {
				units = append(units, core.WorkUnit{
					Level:   core.LevelSession,
					Course:  cs.Course,
					Session: session,
					Scope:   []core.CourseSessions{{Bucket: cs.Bucket, Course: cs.Course, Sessions: []string{session}}},
				})
			}
		}
		return units, nil
	default:
		return nil, fmt.Errorf("unknown level %q", level)
	}
}

// SortSessions orders session ids by their last three characters, the run
// number of composite ids such as 2012-001. Ids sharing a suffix are ordered
// by the full id.
func SortSessions(sessions []string) {
	sort.Slice(sessions, func(i, j int) bool {
		ki, kj := sessionKey(sessions[i]), sessionKey(sessions[j])
		if ki != kj {
			return ki < kj
		}
		return sessions[i] < sessions[j]
	})
}

func sessionKey(session string) string {
	if len(session) <= 3 {
		return session
	}
	return session[len(session)-3:]
}

func childNames(prefixes []string, parent string) []string {
	names := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, parent), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
