package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/shared/logging"
)

const defaultPageSize = 10

var knownStatuses = map[core.JobStatus]bool{
	core.JobStatusStart:       true,
	core.JobStatusInitialized: true,
	core.JobStatusSuccess:     true,
	core.JobStatusFailed:      true,
}

// API serves the run ledger read-only.
type API struct {
	ledger core.Ledger
	logger logging.Logger
}

func NewAPI(ledger core.Ledger, logger logging.Logger) *API {
	return &API{ledger: ledger, logger: logger}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", a.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", a.getRun)
	mux.HandleFunc("GET /api/runs/{id}/units", a.getRunUnits)
	mux.HandleFunc("GET /healthz", a.health)
}

// listRuns handles GET /api/runs?status=&limit=&offset=
func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter core.RunFilter
	if s := query.Get("status"); s != "" {
		status := core.JobStatus(s)
		if !knownStatuses[status] {
			a.respondError(w, http.StatusBadRequest, "invalid status", s)
			return
		}
		filter.Status = &status
	}

	filter.Limit = defaultPageSize
	if limitStr := query.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			a.respondError(w, http.StatusBadRequest, "invalid limit", limitStr)
			return
		}
		filter.Limit = l
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil || o < 0 {
			a.respondError(w, http.StatusBadRequest, "invalid offset", offsetStr)
			return
		}
		filter.Offset = o
	}

	runs, total, err := a.ledger.ListRuns(filter)
	if err != nil {
		a.logger.Error("Failed to list runs", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list runs", "")
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, ToRunSummary(run))
	}

	var nextOffset *int
	if end := filter.Offset + len(runs); end < total {
		nextOffset = &end
	}
	a.respondJSON(w, http.StatusOK, ListRunsResponse{
		Runs:       summaries,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// getRun handles GET /api/runs/{id}
func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookupRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	outcomes, err := a.ledger.ListOutcomes(run.MorfID)
	if err != nil {
		a.logger.Error("Failed to list unit outcomes", "morf_id", run.MorfID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to get run", "")
		return
	}
	a.respondJSON(w, http.StatusOK, ToGetRunResponse(run, outcomes))
}

// getRunUnits handles GET /api/runs/{id}/units
func (a *API) getRunUnits(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookupRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	outcomes, err := a.ledger.ListOutcomes(run.MorfID)
	if err != nil {
		a.logger.Error("Failed to list unit outcomes", "morf_id", run.MorfID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list units", "")
		return
	}

	units := make([]UnitInfo, 0, len(outcomes))
	for _, o := range outcomes {
		units = append(units, ToUnitInfo(o))
	}
	a.respondJSON(w, http.StatusOK, GetUnitsResponse{Units: units})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	if _, _, err := a.ledger.ListRuns(core.RunFilter{Limit: 1}); err != nil {
		a.respondError(w, http.StatusServiceUnavailable, "ledger unavailable", err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (a *API) lookupRun(w http.ResponseWriter, id string) (*core.Run, bool) {
	if id == "" {
		a.respondError(w, http.StatusBadRequest, "run ID required", "")
		return nil, false
	}
	run, err := a.ledger.GetRun(id)
	if err != nil {
		a.logger.Error("Failed to get run", "morf_id", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to get run", "")
		return nil, false
	}
	if run == nil {
		a.respondError(w, http.StatusNotFound, "run not found", id)
		return nil, false
	}
	return run, true
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	a.respondJSON(w, statusCode, ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	})
}

func NewServer(cfg config.RESTConfig, ledger core.Ledger, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	NewAPI(ledger, logger).RegisterRoutes(mux)

	handler := Chain(
		mux,
		RequestIDMiddleware(),
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
