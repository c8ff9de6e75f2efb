// Package scheduler runs periodic maintenance jobs for Neti, such as
// sweeping expired sessions out of the SQL stores.
//
// Jobs are scheduled using cron expressions or "@every <duration>".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule sweeps expired sessions every ten minutes.
const DefaultPurgeSchedule = "@every 10m"

// Job is a maintenance task. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates a scheduler. Jobs run once Run is called.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) plus descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c, ctx: context.Background()}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task Job) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Warn("Scheduler job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler job finished", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	slog.Debug("Scheduler job added", "job", name, "expr", expr)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Run starts the jobs and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	slog.Info("Scheduler started", "jobs", s.Len())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
}
