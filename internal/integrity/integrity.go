// Package integrity implements the gap scan and the repair-job worker
// (spec §3, §4.4). Scan walks the expected bar grid for a
// (symbol, timeframe) pair and emits an IntegrityEvent for every missing
// bar range; it reports missing bars only and emits no DUPLICATE events.
// The worker drains PENDING jobs one (symbol, timeframe) at a time, holding
// the pair's internal/lock key so two repair passes for the same pair never
// interleave; Scan takes no lock.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

// Scanner walks the expected bar grid and records gaps.
type Scanner struct {
	Store *store.Store
	log   zerolog.Logger
}

// NewScanner builds a Scanner.
func NewScanner(s *store.Store, log zerolog.Logger) *Scanner {
	return &Scanner{Store: s, log: log.With().Str("component", "integrity-scan").Logger()}
}

// Scan compares the candles actually stored for (symbol, tf) in [startTs,
// endTs] against the expected bar grid (one bar every Timeframe.Millis()),
// recording one GAP IntegrityEvent per contiguous missing range and
// enqueuing a RepairJob for each (spec §4.4).
func (sc *Scanner) Scan(ctx context.Context, symbol string, tf domain.Timeframe, startTs, endTs int64) (int, error) {
	candles, err := sc.Store.GetCandlesRange(ctx, symbol, tf, startTs, endTs)
	if err != nil {
		return 0, fmt.Errorf("integrity: scan candles: %w", err)
	}

	present := make(map[int64]bool, len(candles))
	for _, c := range candles {
		present[c.TsMillis] = true
	}

	width := tf.Millis()
	if rem := startTs % width; rem != 0 {
		startTs += width - rem // first grid bar at or after startTs
	}
	gaps := 0
	now := time.Now().UTC().UnixMilli()

	var gapStart int64 = -1
	flush := func(gapEnd int64) error {
		if gapStart < 0 {
			return nil
		}
		expected := int((gapEnd-gapStart)/width) + 1
		detectedAt := now
		if err := sc.recordGap(ctx, symbol, tf, gapStart, gapEnd, expected, detectedAt); err != nil {
			return err
		}
		gaps++
		gapStart = -1
		return nil
	}

	for ts := startTs; ts <= endTs; ts += width {
		if present[ts] {
			if err := flush(ts - width); err != nil {
				return gaps, err
			}
			continue
		}
		if gapStart < 0 {
			gapStart = ts
		}
	}
	if err := flush(endTs); err != nil {
		return gaps, err
	}

	return gaps, nil
}

func (sc *Scanner) recordGap(ctx context.Context, symbol string, tf domain.Timeframe, startTs, endTs int64, expected int, detectedAt int64) error {
	severity := domain.SeverityLow
	if expected >= 10 {
		severity = domain.SeverityHigh
	} else if expected >= 3 {
		severity = domain.SeverityMedium
	}

	jobID := uuid.NewString()
	if _, err := sc.Store.InsertIntegrityEvent(ctx, domain.IntegrityEvent{
		Symbol: symbol, Timeframe: tf, Type: domain.IntegrityGap,
		StartTs: startTs, EndTs: endTs, ExpectedBars: expected, ActualBars: 0,
		Severity: severity, DetectedAtMs: detectedAt, RepairJobID: jobID,
	}); err != nil {
		return fmt.Errorf("integrity: record gap: %w", err)
	}

	err := sc.Store.EnqueueRepairJob(ctx, domain.RepairJob{
		JobID: jobID, Symbol: symbol, Timeframe: tf, StartTs: startTs, EndTs: endTs, Status: domain.RepairPending,
	})
	if err != nil && err != domain.ErrDuplicateJob {
		return fmt.Errorf("integrity: enqueue repair job: %w", err)
	}
	return nil
}

// Worker drains PENDING repair jobs for a (symbol, timeframe), refetching
// the missing range from the venue and writing it back with ReplaceCandle
// (authoritative overwrite, not insert-or-ignore — spec §3).
type Worker struct {
	Store *store.Store
	Venue venue.Adapter
	Locks *lock.Keyed
	log   zerolog.Logger
}

// NewWorker builds a repair Worker sharing a keyed-lock set with any other
// component that serializes on (symbol, timeframe) keys.
func NewWorker(s *store.Store, v venue.Adapter, locks *lock.Keyed, log zerolog.Logger) *Worker {
	return &Worker{Store: s, Venue: v, Locks: locks, log: log.With().Str("component", "integrity-repair").Logger()}
}

func lockKey(symbol string, tf domain.Timeframe) string {
	return symbol + "|" + string(tf)
}

// RunOne dequeues and processes at most one PENDING job for (symbol, tf),
// returning false if none was pending. Held under the pair's keyed lock so
// two repair passes for the same pair never run concurrently; ingest ticks
// and scans do not take this lock.
func (w *Worker) RunOne(ctx context.Context, symbol string, tf domain.Timeframe) (bool, error) {
	key := lockKey(symbol, tf)
	w.Locks.Lock(key)
	defer w.Locks.Unlock(key)

	job, err := w.Store.DequeuePendingRepairJob(ctx, symbol, tf)
	if err != nil {
		return false, fmt.Errorf("integrity: dequeue repair job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	candles, err := w.Venue.FetchOHLCV(ctx, symbol, tf, job.StartTs, w.batchSize(job, tf))
	if err != nil {
		job.Status = domain.RepairFailed
		job.Message = err.Error()
		_ = w.Store.UpdateRepairJob(ctx, *job)
		return true, fmt.Errorf("integrity: refetch: %w", err)
	}

	repaired := 0
	for _, c := range candles {
		if c.TsMillis < job.StartTs || c.TsMillis > job.EndTs {
			continue
		}
		if err := w.Store.ReplaceCandle(ctx, c); err != nil {
			job.Status = domain.RepairFailed
			job.Message = err.Error()
			_ = w.Store.UpdateRepairJob(ctx, *job)
			return true, fmt.Errorf("integrity: replace candle: %w", err)
		}
		repaired++
	}

	job.Status = domain.RepairDone
	job.RepairedBars = repaired
	if err := w.Store.UpdateRepairJob(ctx, *job); err != nil {
		return true, fmt.Errorf("integrity: update repair job: %w", err)
	}

	if _, err := w.Store.InsertIntegrityEvent(ctx, domain.IntegrityEvent{
		Symbol: symbol, Timeframe: tf, Type: domain.IntegrityRepairDone,
		StartTs: job.StartTs, EndTs: job.EndTs, ExpectedBars: repaired, ActualBars: repaired,
		Severity: domain.SeverityLow, DetectedAtMs: time.Now().UTC().UnixMilli(), RepairJobID: job.JobID,
	}); err != nil {
		w.log.Warn().Err(err).Msg("failed to record REPAIR completion event")
	}

	return true, nil
}

func (w *Worker) batchSize(job *domain.RepairJob, tf domain.Timeframe) int {
	n := int((job.EndTs-job.StartTs)/tf.Millis()) + 1
	if n < 1 {
		return 1
	}
	return n
}
