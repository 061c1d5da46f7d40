package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
)

// UnitFunc executes one work unit and reports how it ended.
type UnitFunc func(ctx context.Context, id core.JobIdentity, unit core.WorkUnit) core.UnitOutcome

// Scheduler fans work units out over a bounded pool. A failing unit never
// stops its siblings.
type Scheduler struct {
	numWorkers int
	ledger     core.Ledger
	logger     logging.Logger
}

// NewScheduler creates a scheduler; ledger may be nil.
func NewScheduler(numWorkers int, ledger core.Ledger, logger logging.Logger) *Scheduler {
	return &Scheduler{
		numWorkers: max(numWorkers, 1),
		ledger:     ledger,
		logger:     logger,
	}
}

// Dispatch runs fn for every unit and returns the outcomes in unit order.
// Units not yet started when ctx is cancelled are reported as failed.
func (s *Scheduler) Dispatch(ctx context.Context, id core.JobIdentity, units []core.WorkUnit, fn UnitFunc) []core.UnitOutcome {
	outcomes := make([]core.UnitOutcome, len(units))
	if len(units) == 0 {
		return outcomes
	}

	s.logger.Info("Dispatching units", "mode", id.Mode, "units", len(units), "workers", min(s.numWorkers, len(units)))

	pool := NewPool(min(s.numWorkers, len(units)))
	pool.Start()
	for i, unit := range units {
		err := pool.Submit(ctx, func() {
			outcomes[i] = s.run(ctx, id, unit, fn)
		})
		if err != nil {
			for j := i; j < len(units); j++ {
				outcomes[j] = failedOutcome(id, units[j], fmt.Errorf("unit not started: %w", err))
			}
			break
		}
	}
	pool.Close()

	for _, outcome := range outcomes {
		if outcome.Failed() {
			s.logger.Warn("Unit failed", "mode", id.Mode, "unit", outcome.Unit.Name(),
				"last_state", outcome.LastState, "error", outcome.Err)
		}
		if s.ledger != nil {
			if err := s.ledger.RecordOutcome(outcome); err != nil {
				s.logger.Error("Failed to record unit outcome", "unit", outcome.Unit.Name(), "error", err)
			}
		}
	}
	return outcomes
}

func (s *Scheduler) run(ctx context.Context, id core.JobIdentity, unit core.WorkUnit, fn UnitFunc) (outcome core.UnitOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = failedOutcome(id, unit, fmt.Errorf("panic: %v", r))
		}
	}()
	outcome = fn(ctx, id, unit)
	if outcome.ID == uuid.Nil {
		outcome.ID = uuid.New()
	}
	if outcome.MorfID == "" {
		outcome.MorfID = id.MorfID
	}
	if outcome.Mode == "" {
		outcome.Mode = id.Mode
	}
	return outcome
}

func failedOutcome(id core.JobIdentity, unit core.WorkUnit, err error) core.UnitOutcome {
	now := time.Now().UTC()
	return core.UnitOutcome{
		ID:         uuid.New(),
		MorfID:     id.MorfID,
		Mode:       id.Mode,
		Unit:       unit,
		State:      core.UnitStateFailed,
		LastState:  core.UnitStatePending,
		Err:        err,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// Failures returns the failed outcomes.
func Failures(outcomes []core.UnitOutcome) []core.UnitOutcome {
	var failed []core.UnitOutcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}
