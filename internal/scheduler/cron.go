package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/morf-project/morf/internal/shared/logging"
)

// Periodic runs a task on a standard cron schedule. A run that is still in
// progress when the next one is due causes that next run to be skipped.
type Periodic struct {
	name     string
	schedule cron.Schedule
	cron     *cron.Cron
	task     func(ctx context.Context)
	logger   logging.Logger
}

func NewPeriodic(name, spec string, task func(ctx context.Context), logger logging.Logger) (*Periodic, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return &Periodic{
		name:     name,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		task:     task,
		logger:   logger,
	}, nil
}

// Next reports when the task is due after t.
func (p *Periodic) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// Run schedules the task and blocks until ctx is done. The in-flight run,
// if any, is allowed to finish.
func (p *Periodic) Run(ctx context.Context) {
	p.cron.Schedule(p.schedule, cron.FuncJob(func() { p.runOnce(ctx) }))
	p.cron.Start()
	p.logger.Info("Periodic task scheduled", "task", p.name, "next_run", p.Next(time.Now()).UTC())

	<-ctx.Done()
	<-p.cron.Stop().Done()
	p.logger.Info("Periodic task stopped", "task", p.name)
}

func (p *Periodic) runOnce(ctx context.Context) {
	start := time.Now()
	p.logger.Info("Periodic task started", "task", p.name)
	p.task(ctx)
	p.logger.Info("Periodic task finished", "task", p.name,
		"duration", time.Since(start).String(), "next_run", p.Next(time.Now()).UTC())
}
