package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/morf-project/morf/internal/core"
)

// SQLiteLedger persists runs and unit outcomes in a local SQLite file so
// the status API can read them while a job is still running.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		morf_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT,
		failures INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS unit_outcomes (
		id TEXT PRIMARY KEY,
		morf_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		unit TEXT NOT NULL,
		state TEXT NOT NULL,
		last_state TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		FOREIGN KEY (morf_id) REFERENCES runs(morf_id)
	);

	CREATE INDEX IF NOT EXISTS idx_unit_outcomes_morf_id ON unit_outcomes(morf_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLedger) SaveRun(run *core.Run) error {
	_, err := l.db.Exec(`
		INSERT INTO runs (morf_id, user_id, job_id, status, mode, failures, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(morf_id) DO UPDATE SET
			status = excluded.status,
			mode = excluded.mode,
			failures = excluded.failures,
			updated_at = excluded.updated_at`,
		run.MorfID, run.UserID, run.JobID, string(run.Status), string(run.Mode), run.Failures,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.MorfID, err)
	}
	return nil
}

func (l *SQLiteLedger) UpdateRunStatus(morfID string, status core.JobStatus, failures int) error {
	_, err := l.db.Exec(`UPDATE runs SET status = ?, failures = ?, updated_at = ? WHERE morf_id = ?`,
		string(status), failures, time.Now().UTC(), morfID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", morfID, err)
	}
	return nil
}

func (l *SQLiteLedger) GetRun(morfID string) (*core.Run, error) {
	row := l.db.QueryRow(`
		SELECT morf_id, user_id, job_id, status, mode, failures, created_at, updated_at
		FROM runs WHERE morf_id = ?`, morfID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (l *SQLiteLedger) ListRuns(filter core.RunFilter) ([]*core.Run, int, error) {
	where, args := "", []any{}
	if filter.Status != nil {
		where = " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}

	var total int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT morf_id, user_id, job_id, status, mode, failures, created_at, updated_at FROM runs` +
		where + ` ORDER BY created_at DESC, morf_id ASC LIMIT ? OFFSET ?`
	rows, err := l.db.Query(query, append(args, limit, max(filter.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (l *SQLiteLedger) RecordOutcome(outcome core.UnitOutcome) error {
	unit, err := json.Marshal(outcome.Unit)
	if err != nil {
		return fmt.Errorf("failed to encode unit: %w", err)
	}
	id := outcome.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	var errText sql.NullString
	if outcome.Err != nil {
		errText = sql.NullString{String: outcome.Err.Error(), Valid: true}
	}
	_, err = l.db.Exec(`
		INSERT INTO unit_outcomes (id, morf_id, mode, unit, state, last_state, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), outcome.MorfID, string(outcome.Mode), string(unit), string(outcome.State),
		string(outcome.LastState), errText, outcome.StartedAt.UTC(), outcome.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", outcome.Unit.Name(), err)
	}
	return nil
}

func (l *SQLiteLedger) ListOutcomes(morfID string) ([]core.UnitOutcome, error) {
	rows, err := l.db.Query(`
		SELECT id, morf_id, mode, unit, state, last_state, error, started_at, finished_at
		FROM unit_outcomes WHERE morf_id = ? ORDER BY started_at, id`, morfID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []core.UnitOutcome
	for rows.Next() {
		var (
			o                     core.UnitOutcome
			id, mode, unit, state string
			lastState, errText    sql.NullString
		)
		if err := rows.Scan(&id, &o.MorfID, &mode, &unit, &state, &lastState, &errText, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, err
		}
		if o.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt outcome id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(unit), &o.Unit); err != nil {
			return nil, fmt.Errorf("corrupt unit for outcome %s: %w", id, err)
		}
		o.Mode = core.Mode(mode)
		o.State = core.UnitState(state)
		o.LastState = core.UnitState(lastState.String)
		if errText.Valid {
			o.Err = errors.New(errText.String)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*core.Run, error) {
	var (
		run    core.Run
		status string
		mode   sql.NullString
	)
	if err := row.Scan(&run.MorfID, &run.UserID, &run.JobID, &status, &mode, &run.Failures, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = core.JobStatus(status)
	run.Mode = core.Mode(mode.String)
	return &run, nil
}
