package rest

import (
	"time"
)

type Links struct {
	Self  string `json:"self"`
	Units string `json:"units,omitempty"`
}

type RunSummary struct {
	MorfID    string    `json:"morf_id"`
	UserID    string    `json:"user_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Mode      string    `json:"mode,omitempty"`
	Failures  int       `json:"failures"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type GetRunResponse struct {
	RunSummary
	Progress map[string]UnitProgress `json:"progress"`
	Links    Links                   `json:"links"`
}

// UnitProgress counts unit outcomes of one mode.
type UnitProgress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

type ListRunsResponse struct {
	Runs       []RunSummary `json:"runs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type GetUnitsResponse struct {
	Units []UnitInfo `json:"units"`
}

type UnitInfo struct {
	OutcomeID  string     `json:"outcome_id"`
	Mode       string     `json:"mode"`
	Unit       string     `json:"unit"`
	Level      string     `json:"level"`
	Course     string     `json:"course,omitempty"`
	Session    string     `json:"session,omitempty"`
	State      string     `json:"state"`
	LastState  string     `json:"last_state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
