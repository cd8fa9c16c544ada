// Package scheduler wires the cooperative loop model from spec §5: Ingest,
// Integrity-scan, Repair-worker (per symbol/timeframe), Decision Cycle,
// Account Sync and Order Sync each run on their own cron-style timer, with
// no loop blocking another.
//
// Grounded on trader-go/internal/scheduler/scheduler.go's cron.Cron wrapper,
// generalized from a context-less `Run() error` job to a
// context-cancellable `Run(ctx) error` one so every registered job
// observes the scheduler's shutdown signal, and from a single shared
// cron.Cron instance to one that always runs jobs with
// cron.SkipIfStillRunning so a slow tick is skipped rather than queued
// (spec §5: "a second tick started before the previous completes is
// skipped, not stacked" — the same guarantee C12's internal atomic.Bool
// guards give Account/Order sync, applied uniformly to every job here).
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler manages background jobs on independent cron schedules.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	log  zerolog.Logger
}

// New builds a Scheduler. ctx is the parent context passed to every job's
// Run; cancelling it signals every in-flight job to stop at its next
// context check.
func New(ctx context.Context, log zerolog.Logger) *Scheduler {
	chain := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger))
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithChain(chain)),
		ctx:  ctx,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler's goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for in-flight jobs to finish before returning.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job on a six-field (seconds-first) cron expression or an
// "@every" duration descriptor (e.g. "0 */15 * * * *" for every fifteen
// minutes, "@every 30s" for a fixed interval — spec §5's sub-minute
// Ingest/Account/Order cadences need second-level resolution).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		log := s.log.With().Str("job", job.Name()).Logger()
		log.Debug().Msg("tick started")
		if err := job.Run(s.ctx); err != nil {
			log.Error().Err(err).Msg("tick failed")
			return
		}
		log.Debug().Msg("tick completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// RunNow executes job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run(s.ctx)
}
