// Package ingest runs the per-(symbol, timeframe) candle backfill/tail loop
// (spec §4.2). Each tick computes `since` from the latest stored bar (or a
// configured backfill depth on first run), fetches forward in fixed-size
// batches, discards any bar still open at fetch time, upserts the rest, and
// records one ingestion_runs row. Repeated failures raise a RiskEvent(WARN,
// INGEST_STALL) rather than crashing the process, so a venue outage degrades
// the system instead of killing it.
//
// Grounded on the teacher's universe/index sync-service loop shape
// (internal/modules/universe/sync_service.go: fetch → diff → persist →
// record run) generalized from a daily equities-universe refresh to a
// continuously ticking candle tail.
package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

const (
	// DefaultBatchSize is the number of bars fetched per venue call (spec §4.2, B=300).
	DefaultBatchSize = 300
	maxBackoff       = 2 * time.Minute
)

// Worker ingests one (symbol, timeframe) pair.
type Worker struct {
	Symbol        string
	Timeframe     domain.Timeframe
	Store         *store.Store
	Venue         venue.Adapter
	BatchSize     int
	BackfillBars  int // how many bars to request on first run when no data exists yet
	log           zerolog.Logger

	consecutiveFailures int
}

// NewWorker builds an ingest Worker for one (symbol, timeframe) pair.
func NewWorker(symbol string, tf domain.Timeframe, st *store.Store, v venue.Adapter, backfillBars int, log zerolog.Logger) *Worker {
	return &Worker{
		Symbol:       symbol,
		Timeframe:    tf,
		Store:        st,
		Venue:        v,
		BatchSize:    DefaultBatchSize,
		BackfillBars: backfillBars,
		log:          log.With().Str("component", "ingest").Str("symbol", symbol).Str("timeframe", string(tf)).Logger(),
	}
}

// Tick runs one ingestion pass: compute since, fetch, drop the open bar,
// upsert, record the run. Returns the number of bars inserted.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	started := time.Now().UTC().UnixMilli()

	since, err := w.sinceMs(ctx)
	if err != nil {
		w.recordFailure(ctx, started, err)
		return 0, err
	}

	candles, err := w.Venue.FetchOHLCV(ctx, w.Symbol, w.Timeframe, since, w.BatchSize)
	if err != nil {
		w.recordFailure(ctx, started, err)
		return 0, err
	}

	closed := w.dropOpenBar(candles)
	if len(closed) == 0 {
		w.consecutiveFailures = 0
		_ = w.Store.RecordIngestionRun(ctx, w.Symbol, w.Timeframe, started, time.Now().UTC().UnixMilli(), 0, "OK", "")
		return 0, nil
	}

	inserted, err := w.Store.UpsertCandles(ctx, closed)
	if err != nil {
		w.recordFailure(ctx, started, err)
		return 0, err
	}

	w.consecutiveFailures = 0
	if err := w.Store.RecordIngestionRun(ctx, w.Symbol, w.Timeframe, started, time.Now().UTC().UnixMilli(), inserted, "OK", ""); err != nil {
		w.log.Warn().Err(err).Msg("failed to record ingestion run")
	}
	return inserted, nil
}

// sinceMs computes the fetch floor: one bar width past the latest stored
// candle, or BackfillBars back from now if the table is empty for this pair.
func (w *Worker) sinceMs(ctx context.Context) (int64, error) {
	latest, err := w.Store.LatestCandleTs(ctx, w.Symbol, w.Timeframe)
	if err != nil {
		return 0, fmt.Errorf("ingest: latest candle ts: %w", err)
	}
	if latest == 0 {
		bars := w.BackfillBars
		if bars <= 0 {
			bars = DefaultBatchSize
		}
		now := time.Now().UTC().UnixMilli()
		return now - int64(bars)*w.Timeframe.Millis(), nil
	}
	return latest + w.Timeframe.Millis(), nil
}

// dropOpenBar discards the final candle in a fetched batch if it represents
// the currently-open, not-yet-closed bar (spec §4.2: "never persist or act
// on an incomplete trailing bar").
func (w *Worker) dropOpenBar(candles []domain.Candle) []domain.Candle {
	if len(candles) == 0 {
		return candles
	}
	now := time.Now().UTC().UnixMilli()
	last := candles[len(candles)-1]
	if last.TsMillis+w.Timeframe.Millis() > now {
		return candles[:len(candles)-1]
	}
	return candles
}

func (w *Worker) recordFailure(ctx context.Context, startedMs int64, fetchErr error) {
	w.consecutiveFailures++
	_ = w.Store.RecordIngestionRun(ctx, w.Symbol, w.Timeframe, startedMs, time.Now().UTC().UnixMilli(), 0, "FAILED", fetchErr.Error())
	w.log.Warn().Err(fetchErr).Int("consecutive_failures", w.consecutiveFailures).Msg("ingestion tick failed")

	if w.consecutiveFailures >= 3 {
		if err := w.Store.InsertRiskEvent(ctx, domain.RiskEvent{
			TsMillis: time.Now().UTC().UnixMilli(),
			Symbol:   w.Symbol,
			Level:    domain.RiskWarn,
			Rule:     "INGEST_STALL",
			Details:  fmt.Sprintf("%d consecutive ingestion failures for %s %s: %v", w.consecutiveFailures, w.Symbol, w.Timeframe, fetchErr),
		}); err != nil {
			w.log.Error().Err(err).Msg("failed to record INGEST_STALL risk event")
		}
	}
}

// BackoffDelay returns an exponential backoff with jitter, capped at
// maxBackoff, for the given attempt count (spec §4.2: "exponential backoff
// with jitter" on venue fetch failure).
func BackoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := time.Second * time.Duration(1<<uint(attempt-1))
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}
