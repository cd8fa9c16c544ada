package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/scheduler"
)

type countingJob struct {
	name  string
	calls atomic.Int64
	delay time.Duration
}

func (j *countingJob) Name() string { return j.name }
func (j *countingJob) Run(ctx context.Context) error {
	j.calls.Add(1)
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
		}
	}
	return nil
}

func TestAddJobRunsOnSchedule(t *testing.T) {
	sched := scheduler.New(context.Background(), zerolog.Nop())
	job := &countingJob{name: "test"}
	require.NoError(t, sched.AddJob("@every 50ms", job))

	sched.Start()
	time.Sleep(220 * time.Millisecond)
	sched.Stop()

	require.GreaterOrEqual(t, job.calls.Load(), int64(2))
}

func TestRunNowExecutesImmediately(t *testing.T) {
	sched := scheduler.New(context.Background(), zerolog.Nop())
	job := &countingJob{name: "immediate"}
	require.NoError(t, sched.RunNow(job))
	require.Equal(t, int64(1), job.calls.Load())
}

func TestSkipIfStillRunningDropsOverlappingTick(t *testing.T) {
	sched := scheduler.New(context.Background(), zerolog.Nop())
	job := &countingJob{name: "slow", delay: 300 * time.Millisecond}
	require.NoError(t, sched.AddJob("@every 50ms", job))

	sched.Start()
	time.Sleep(320 * time.Millisecond)
	sched.Stop()

	// A 50ms cadence over ~320ms would fire ~6 times without the
	// SkipIfStillRunning chain; a 300ms job should only complete once or
	// twice.
	require.LessOrEqual(t, job.calls.Load(), int64(2))
}
