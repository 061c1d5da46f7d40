package rest

import (
	"fmt"
	"time"

	"github.com/morf-project/morf/internal/core"
)

func ToRunSummary(run *core.Run) RunSummary {
	return RunSummary{
		MorfID:    run.MorfID,
		UserID:    run.UserID,
		JobID:     run.JobID,
		Status:    string(run.Status),
		Mode:      string(run.Mode),
		Failures:  run.Failures,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func ToGetRunResponse(run *core.Run, outcomes []core.UnitOutcome) GetRunResponse {
	progress := make(map[string]UnitProgress)
	for _, o := range outcomes {
		p := progress[string(o.Mode)]
		p.Total++
		switch o.State {
		case core.UnitStateDone:
			p.Done++
		case core.UnitStateFailed:
			p.Failed++
		}
		progress[string(o.Mode)] = p
	}

	return GetRunResponse{
		RunSummary: ToRunSummary(run),
		Progress:   progress,
		Links: Links{
			Self:  fmt.Sprintf("/api/runs/%s", run.MorfID),
			Units: fmt.Sprintf("/api/runs/%s/units", run.MorfID),
		},
	}
}

func ToUnitInfo(o core.UnitOutcome) UnitInfo {
	info := UnitInfo{
		OutcomeID:  o.ID.String(),
		Mode:       string(o.Mode),
		Unit:       o.Unit.Name(),
		Level:      string(o.Unit.Level),
		Course:     o.Unit.Course,
		Session:    o.Unit.Session,
		State:      string(o.State),
		LastState:  string(o.LastState),
		StartedAt:  timePtr(o.StartedAt),
		FinishedAt: timePtr(o.FinishedAt),
	}
	if o.Err != nil {
		info.Error = o.Err.Error()
	}
	return info
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
