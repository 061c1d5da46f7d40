package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seededLedger(t *testing.T) *storage.InMemoryLedger {
	t.Helper()
	ledger := storage.NewInMemoryLedger()
	runs := []*core.Run{
		{MorfID: "r1", UserID: "u", JobID: "j1", Status: core.JobStatusSuccess, Mode: core.ModeEvaluate, CreatedAt: base},
		{MorfID: "r2", UserID: "u", JobID: "j2", Status: core.JobStatusFailed, Mode: core.ModeTrain, Failures: 1, CreatedAt: base.Add(time.Hour)},
		{MorfID: "r3", UserID: "v", JobID: "j3", Status: core.JobStatusSuccess, Mode: core.ModeTest, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range runs {
		r.UpdatedAt = r.CreatedAt
		require.NoError(t, ledger.SaveRun(r))
	}
	outcomes := []core.UnitOutcome{
		{Mode: core.ModeExtract, Unit: core.WorkUnit{Level: core.LevelCourse, Course: "c1"}, State: core.UnitStateDone, LastState: core.UnitStateDone, StartedAt: base},
		{Mode: core.ModeExtract, Unit: core.WorkUnit{Level: core.LevelCourse, Course: "c2"}, State: core.UnitStateFailed, LastState: core.UnitStateRunning, Err: errors.New("exit status 1"), StartedAt: base},
		{Mode: core.ModeTrain, Unit: core.WorkUnit{Level: core.LevelCourse, Course: "c1"}, State: core.UnitStateDone, LastState: core.UnitStateDone, StartedAt: base},
	}
	for _, o := range outcomes {
		o.ID = uuid.New()
		o.MorfID = "r2"
		require.NoError(t, ledger.RecordOutcome(o))
	}
	return ledger
}

func newTestMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	NewAPI(seededLedger(t), newMockLogger()).RegisterRoutes(mux)
	return mux
}

func get(t *testing.T, handler http.Handler, target string, into any) int {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if into != nil {
		require.NoError(t, json.NewDecoder(w.Body).Decode(into))
	}
	return w.Code
}

func TestListRuns(t *testing.T) {
	mux := newTestMux(t)

	var resp ListRunsResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs", &resp))

	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, defaultPageSize, resp.Limit)
	require.Len(t, resp.Runs, 3)
	assert.Equal(t, "r3", resp.Runs[0].MorfID)
	assert.Equal(t, "r1", resp.Runs[2].MorfID)
	assert.Nil(t, resp.NextOffset)
}

func TestListRuns_FilterAndPagination(t *testing.T) {
	mux := newTestMux(t)

	var resp ListRunsResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs?status=SUCCESS&limit=1", &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r3", resp.Runs[0].MorfID)
	require.NotNil(t, resp.NextOffset)
	assert.Equal(t, 1, *resp.NextOffset)

	resp = ListRunsResponse{}
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs?status=SUCCESS&limit=1&offset=1", &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r1", resp.Runs[0].MorfID)
	assert.Nil(t, resp.NextOffset)
}

func TestListRuns_InvalidQuery(t *testing.T) {
	mux := newTestMux(t)

	for _, target := range []string{
		"/api/runs?status=DONE",
		"/api/runs?limit=0",
		"/api/runs?limit=abc",
		"/api/runs?offset=-1",
	} {
		t.Run(target, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, http.StatusBadRequest, get(t, mux, target, &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetRun(t *testing.T) {
	mux := newTestMux(t)

	var resp GetRunResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs/r2", &resp))

	assert.Equal(t, "r2", resp.MorfID)
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "train", resp.Mode)
	assert.Equal(t, 1, resp.Failures)
	assert.Equal(t, UnitProgress{Total: 2, Done: 1, Failed: 1}, resp.Progress["extract"])
	assert.Equal(t, UnitProgress{Total: 1, Done: 1}, resp.Progress["train"])
	assert.Equal(t, "/api/runs/r2/units", resp.Links.Units)
}

func TestGetRun_NotFound(t *testing.T) {
	mux := newTestMux(t)

	var resp ErrorResponse
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/runs/missing", &resp))
	assert.Equal(t, "run not found", resp.Error)
}

func TestGetRunUnits(t *testing.T) {
	mux := newTestMux(t)

	var resp GetUnitsResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs/r2/units", &resp))

	require.Len(t, resp.Units, 3)
	failed := resp.Units[1]
	assert.Equal(t, "c2", failed.Unit)
	assert.Equal(t, "FAILED", failed.State)
	assert.Equal(t, "RUNNING", failed.LastState)
	assert.Equal(t, "exit status 1", failed.Error)
	assert.Nil(t, failed.FinishedAt)
	require.NotNil(t, failed.StartedAt)
	assert.True(t, failed.StartedAt.Equal(base))

	var empty GetUnitsResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/api/runs/r1/units", &empty))
	assert.Empty(t, empty.Units)
}

func TestHealth(t *testing.T) {
	mux := newTestMux(t)

	var resp HealthResponse
	require.Equal(t, http.StatusOK, get(t, mux, "/healthz", &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestNewServer(t *testing.T) {
	cfg := config.RESTConfig{Addr: ":9999", ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second, IdleTimeout: time.Minute}
	srv := NewServer(cfg, seededLedger(t), newMockLogger())

	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, time.Minute, srv.IdleTimeout)

	var resp GetRunResponse
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/r1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "SUCCESS", resp.Status)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}
