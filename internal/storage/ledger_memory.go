package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/morf-project/morf/internal/core"
)

type InMemoryLedger struct {
	mu       sync.RWMutex
	runs     map[string]*core.Run
	outcomes map[string][]core.UnitOutcome // morfID -> outcomes
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		runs:     make(map[string]*core.Run),
		outcomes: make(map[string][]core.UnitOutcome),
	}
}

func (l *InMemoryLedger) SaveRun(run *core.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := *run
	l.runs[run.MorfID] = &stored
	return nil
}

func (l *InMemoryLedger) UpdateRunStatus(morfID string, status core.JobStatus, failures int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, exists := l.runs[morfID]
	if !exists {
		return nil
	}
	run.Status = status
	run.Failures = failures
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *InMemoryLedger) GetRun(morfID string) (*core.Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, exists := l.runs[morfID]
	if !exists {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (l *InMemoryLedger) ListRuns(filter core.RunFilter) ([]*core.Run, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	runs := make([]*core.Run, 0, len(l.runs))
	for _, run := range l.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].MorfID < runs[j].MorfID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	total := len(runs)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return runs[start:end], total, nil
}

func (l *InMemoryLedger) RecordOutcome(outcome core.UnitOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[outcome.MorfID] = append(l.outcomes[outcome.MorfID], outcome)
	return nil
}

func (l *InMemoryLedger) ListOutcomes(morfID string) ([]core.UnitOutcome, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]core.UnitOutcome(nil), l.outcomes[morfID]...), nil
}
