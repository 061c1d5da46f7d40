package rest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/morf-project/morf/internal/core"
)

func TestToUnitInfo(t *testing.T) {
	id := uuid.New()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("session unit", func(t *testing.T) {
		info := ToUnitInfo(core.UnitOutcome{
			ID:         id,
			Mode:       core.ModeExtract,
			Unit:       core.WorkUnit{Level: core.LevelSession, Course: "c1", Session: "001"},
			State:      core.UnitStateDone,
			LastState:  core.UnitStateDone,
			StartedAt:  started,
			FinishedAt: started.Add(time.Minute),
		})

		assert.Equal(t, id.String(), info.OutcomeID)
		assert.Equal(t, "c1/001", info.Unit)
		assert.Equal(t, "session", info.Level)
		assert.Equal(t, "001", info.Session)
		assert.Empty(t, info.Error)
		assert.Equal(t, started.Add(time.Minute), *info.FinishedAt)
	})

	t.Run("failed unit at level all", func(t *testing.T) {
		info := ToUnitInfo(core.UnitOutcome{
			ID:        id,
			Mode:      core.ModeTrain,
			Unit:      core.WorkUnit{Level: core.LevelAll},
			State:     core.UnitStateFailed,
			LastState: core.UnitStateInputsStaged,
			Err:       errors.New("image load failed"),
		})

		assert.Equal(t, "all", info.Unit)
		assert.Equal(t, "FAILED", info.State)
		assert.Equal(t, "INPUTS_STAGED", info.LastState)
		assert.Equal(t, "image load failed", info.Error)
		assert.Nil(t, info.StartedAt)
		assert.Nil(t, info.FinishedAt)
	})
}

func TestToGetRunResponse_NoOutcomes(t *testing.T) {
	run := &core.Run{MorfID: "abc", Status: core.JobStatusStart}

	resp := ToGetRunResponse(run, nil)

	assert.Equal(t, "START", resp.Status)
	assert.Empty(t, resp.Progress)
	assert.Equal(t, "/api/runs/abc", resp.Links.Self)
}
