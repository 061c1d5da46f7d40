package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeExtract        Mode = "extract"
	ModeExtractHoldout Mode = "extract-holdout"
	ModeTrain          Mode = "train"
	ModeTest           Mode = "test"
	ModeCV             Mode = "cv"
	ModeEvaluate       Mode = "evaluate"
)

var AllModes = []Mode{ModeExtract, ModeExtractHoldout, ModeTrain, ModeTest, ModeCV, ModeEvaluate}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllModes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// WorkloadMode is the mode handed to the container. The workload never sees
// the holdout distinction.
func (m Mode) WorkloadMode() Mode {
	if m == ModeExtractHoldout {
		return ModeExtract
	}
	return m
}

// FeatureSourceMode is the extraction stage whose master table feeds m.
func (m Mode) FeatureSourceMode() Mode {
	if m == ModeTest {
		return ModeExtractHoldout
	}
	return ModeExtract
}

type Level string

const (
	LevelAll     Level = "all"
	LevelCourse  Level = "course"
	LevelSession Level = "session"
)

func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelAll, LevelCourse, LevelSession:
		return l, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

type SessionFilter string

const (
	SessionsAll      SessionFilter = "all"
	SessionsTraining SessionFilter = "training"
	SessionsHoldout  SessionFilter = "holdout"
)

// SessionFilterFor returns which sessions a stage may see.
func SessionFilterFor(m Mode) SessionFilter {
	switch m {
	case ModeExtractHoldout, ModeTest:
		return SessionsHoldout
	case ModeCV:
		return SessionsAll
	default:
		return SessionsTraining
	}
}

type JobIdentity struct {
	UserID string
	JobID  string
	Mode   Mode
	MorfID string
}

func (id JobIdentity) WithMode(m Mode) JobIdentity {
	id.Mode = m
	return id
}

type CourseSessions struct {
	Bucket   string
	Course   string
	Sessions []string
}

type WorkUnit struct {
	Level   Level
	Course  string
	Session string
	Scope   []CourseSessions
}

func (u WorkUnit) Name() string {
	switch {
	case u.Level == LevelAll:
		return string(LevelAll)
	case u.Session != "":
		return u.Course + "/" + u.Session
	default:
		return u.Course
	}
}

// SingleSession returns the only session the unit covers, if there is exactly one.
func (u WorkUnit) SingleSession() (string, bool) {
	if u.Session != "" {
		return u.Session, true
	}
	if u.Level == LevelCourse && len(u.Scope) == 1 && len(u.Scope[0].Sessions) == 1 {
		return u.Scope[0].Sessions[0], true
	}
	return "", false
}

type UnitState string

const (
	UnitStatePending        UnitState = "PENDING"
	UnitStateInputsStaged   UnitState = "INPUTS_STAGED"
	UnitStateImageLoaded    UnitState = "IMAGE_LOADED"
	UnitStateRunning        UnitState = "RUNNING"
	UnitStateOutputArchived UnitState = "OUTPUT_ARCHIVED"
	UnitStateUploaded       UnitState = "UPLOADED"
	UnitStateDone           UnitState = "DONE"
	UnitStateFailed         UnitState = "FAILED"
)

type UnitOutcome struct {
	ID         uuid.UUID
	MorfID     string
	Mode       Mode
	Unit       WorkUnit
	State      UnitState
	LastState  UnitState
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (o UnitOutcome) Failed() bool {
	return o.State == UnitStateFailed
}

type JobStatus string

const (
	JobStatusStart       JobStatus = "START"
	JobStatusInitialized JobStatus = "INITIALIZED"
	JobStatusSuccess     JobStatus = "SUCCESS"
	JobStatusFailed      JobStatus = "FAILED"
)

type Run struct {
	MorfID    string
	UserID    string
	JobID     string
	Status    JobStatus
	Mode      Mode
	Failures  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RunFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}

type ObjectInfo struct {
	Key  string
	Size int64
}
