// Package daemon wires the live per-cycle components (Strategy Library,
// Regime Classifier, Decision Engine, Portfolio Scheduler, Risk Gate, Order
// Executor) into the cooperative loop model internal/scheduler drives, and
// adapts each existing worker's own Tick/RunOne method to the uniform
// scheduler.Job interface.
//
// Grounded on the teacher's cmd/server/main.go registerJobs (each service
// wrapped in a small scheduler.Job-implementing adapter struct so the
// scheduler never needs to know a job's internals), generalized from
// per-service adapters written ad hoc at the call site into named,
// reusable adapter types here.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/ingest"
	"github.com/aristath/perpcore/internal/integrity"
	"github.com/aristath/perpcore/internal/reconcile"
)

// IngestJob adapts ingest.Worker.Tick to scheduler.Job.
type IngestJob struct {
	Worker *ingest.Worker
}

func (j *IngestJob) Name() string { return "ingest" }
func (j *IngestJob) Run(ctx context.Context) error {
	n, err := j.Worker.Tick(ctx)
	if err != nil {
		return fmt.Errorf("ingest tick: %w", err)
	}
	_ = n
	return nil
}

// IntegrityJob adapts integrity.Scanner.Scan (gap detection over a trailing
// lookback window) followed by a single integrity.Worker.RunOne repair pass
// to scheduler.Job, so one schedule entry both finds and repairs gaps for
// (symbol, timeframe).
type IntegrityJob struct {
	Scanner      *integrity.Scanner
	Worker       *integrity.Worker
	Symbol       string
	Timeframe    domain.Timeframe
	LookbackBars int
	log          zerolog.Logger
}

// NewIntegrityJob builds an IntegrityJob.
func NewIntegrityJob(scanner *integrity.Scanner, worker *integrity.Worker, symbol string, tf domain.Timeframe, lookbackBars int, log zerolog.Logger) *IntegrityJob {
	return &IntegrityJob{
		Scanner: scanner, Worker: worker, Symbol: symbol, Timeframe: tf,
		LookbackBars: lookbackBars, log: log.With().Str("component", "integrity_job").Logger(),
	}
}

func (j *IntegrityJob) Name() string { return "integrity_repair" }
func (j *IntegrityJob) Run(ctx context.Context) error {
	endTs := time.Now().UTC().UnixMilli()
	startTs := endTs - int64(j.LookbackBars)*j.Timeframe.Millis()

	gaps, err := j.Scanner.Scan(ctx, j.Symbol, j.Timeframe, startTs, endTs)
	if err != nil {
		return fmt.Errorf("integrity scan: %w", err)
	}
	if gaps > 0 {
		j.log.Info().Str("symbol", j.Symbol).Str("timeframe", string(j.Timeframe)).Int("gaps", gaps).Msg("recorded new gaps")
	}

	repaired, err := j.Worker.RunOne(ctx, j.Symbol, j.Timeframe)
	if err != nil {
		return fmt.Errorf("integrity repair: %w", err)
	}
	if repaired {
		j.log.Info().Str("symbol", j.Symbol).Str("timeframe", string(j.Timeframe)).Msg("repaired one gap")
	}
	return nil
}

// AccountSyncJob adapts reconcile.AccountLoop.Tick to scheduler.Job.
type AccountSyncJob struct {
	Loop *reconcile.AccountLoop
}

func (j *AccountSyncJob) Name() string { return "account_sync" }
func (j *AccountSyncJob) Run(ctx context.Context) error {
	_, err := j.Loop.Tick(ctx)
	return err
}

// OrderSyncJob adapts reconcile.OrderLoop.Tick to scheduler.Job.
type OrderSyncJob struct {
	Loop *reconcile.OrderLoop
}

func (j *OrderSyncJob) Name() string { return "order_sync" }
func (j *OrderSyncJob) Run(ctx context.Context) error {
	_, err := j.Loop.Tick(ctx)
	return err
}
