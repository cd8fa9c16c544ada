// Package reconcile implements the two cooperative Reconciliation Loops
// (spec §4.12): the Account loop mirrors venue balances/positions into
// periodic snapshots and flags drift; the Order loop replays the venue's
// view of open orders against local state and appends catch-up lifecycle
// events when they diverge. Both loops are re-entrant safe — a tick
// started before the previous one finishes is skipped, never stacked.
//
// Each loop's Tick is called by internal/scheduler's cron-driven jobs; the
// loops own no timer and do not read their Interval field themselves.
// Grounded on `TradingService.SyncFromTradernet`'s
// sync-and-diff idiom (internal/modules/trading/service.go) re-grounded
// from equities portfolio sync to perp balance/position/order sync.
package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

// DriftTolerance is the maximum absolute position-size discrepancy between
// the venue's reported position and the locally tracked one before a
// RiskEvent(WARN, POSITION_DRIFT) is raised.
const DriftTolerance = "0.0005"

// AccountLoop mirrors venue balances and positions into the store on a
// fixed interval (spec §4.12's Account loop).
type AccountLoop struct {
	Symbol   string
	Store    *store.Store
	Venue    venue.Adapter
	Interval time.Duration
	log      zerolog.Logger
	running  atomic.Bool
}

// NewAccountLoop builds an AccountLoop.
func NewAccountLoop(symbol string, s *store.Store, v venue.Adapter, interval time.Duration, log zerolog.Logger) *AccountLoop {
	return &AccountLoop{Symbol: symbol, Store: s, Venue: v, Interval: interval,
		log: log.With().Str("component", "account_loop").Str("symbol", symbol).Logger()}
}

// Tick fetches balances and positions and writes the resulting snapshots.
// Returns false without doing any work if a previous Tick is still running
// (re-entrant skip, spec §4.12).
func (l *AccountLoop) Tick(ctx context.Context) (bool, error) {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug().Msg("previous account sync tick still running, skipping")
		return false, nil
	}
	defer l.running.Store(false)

	now := time.Now().UnixMilli()

	balances, err := l.Venue.FetchBalances(ctx)
	if err != nil {
		return true, fmt.Errorf("account loop: fetch balances: %w", err)
	}
	for _, b := range balances {
		if err := l.Store.InsertBalanceSnapshot(ctx, domain.BalanceSnapshot{
			Exchange: "venue", TsMillis: now, Currency: b.Currency,
			Total: b.Total, Available: b.Available,
		}); err != nil {
			return true, fmt.Errorf("account loop: insert balance snapshot: %w", err)
		}
	}

	positions, err := l.Venue.FetchPositions(ctx, l.Symbol)
	if err != nil {
		return true, fmt.Errorf("account loop: fetch positions: %w", err)
	}

	remotePos := domain.PositionFlat
	remoteSize := decimal.Zero
	if len(positions) > 0 {
		p := positions[0]
		remotePos, remoteSize = p.Side, p.Size
		if err := l.Store.InsertPositionSnapshot(ctx, domain.PositionSnapshot{
			Exchange: "venue", TsMillis: now, Symbol: p.Symbol,
			Side: p.Side, Size: p.Size, EntryPrice: p.EntryPrice,
		}); err != nil {
			return true, fmt.Errorf("account loop: insert position snapshot: %w", err)
		}
	}

	local, err := l.Store.CurrentPosition(ctx, l.Symbol)
	if err != nil {
		return true, fmt.Errorf("account loop: read local position: %w", err)
	}

	if err := l.checkDrift(ctx, now, local, remotePos, remoteSize); err != nil {
		return true, err
	}

	return true, nil
}

// checkDrift compares the local Position row to the venue's authoritative
// view and raises RiskEvent(WARN, POSITION_DRIFT) beyond tolerance, without
// self-healing — the Executor remains authoritative for intent (spec §4.12).
func (l *AccountLoop) checkDrift(ctx context.Context, nowMs int64, local domain.Position, remoteSide domain.PositionSide, remoteSize decimal.Decimal) error {
	tolerance, _ := decimal.NewFromString(DriftTolerance)
	localSigned := signedSize(local)
	remoteSigned := remoteSize
	if remoteSide == domain.PositionShort {
		remoteSigned = remoteSigned.Neg()
	}

	diff := localSigned.Sub(remoteSigned).Abs()
	if diff.GreaterThan(tolerance) {
		l.log.Warn().Str("local", localSigned.String()).Str("remote", remoteSigned.String()).Msg("position drift beyond tolerance")
		return l.Store.InsertRiskEvent(ctx, domain.RiskEvent{
			TsMillis: nowMs, Symbol: l.Symbol, Level: domain.RiskWarn, Rule: "POSITION_DRIFT",
			Details: fmt.Sprintf("local position %s differs from venue position %s beyond tolerance %s", localSigned, remoteSigned, tolerance),
		})
	}
	return nil
}

func signedSize(p domain.Position) decimal.Decimal {
	switch p.Side {
	case domain.PositionLong:
		return p.Size
	case domain.PositionShort:
		return p.Size.Neg()
	default:
		return decimal.Zero
	}
}

// OrderLoop fetches the venue's status for each locally open order and
// replays any divergence from local state as catch-up lifecycle events
// (spec §4.12's Order loop).
type OrderLoop struct {
	Store    *store.Store
	Venue    venue.Adapter
	Interval time.Duration
	log      zerolog.Logger
	running  atomic.Bool
}

// NewOrderLoop builds an OrderLoop.
func NewOrderLoop(s *store.Store, v venue.Adapter, interval time.Duration, log zerolog.Logger) *OrderLoop {
	return &OrderLoop{Store: s, Venue: v, Interval: interval, log: log.With().Str("component", "order_loop").Logger()}
}

// Tick reconciles every locally open order against the venue's view.
func (l *OrderLoop) Tick(ctx context.Context) (bool, error) {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug().Msg("previous order sync tick still running, skipping")
		return false, nil
	}
	defer l.running.Store(false)

	open, err := l.Store.OpenOrders(ctx)
	if err != nil {
		return true, fmt.Errorf("order loop: list open orders: %w", err)
	}

	for _, o := range open {
		if o.ExchangeOrderID == "" {
			// Submitted locally but not yet acknowledged: skipped on every
			// tick. No grace period is tracked and such orders are never flagged.
			continue
		}

		remote, err := l.Venue.FetchOrder(ctx, o.ExchangeOrderID, o.ClientOrderID)
		if err != nil {
			l.log.Warn().Err(err).Int64("order_id", o.ID).Msg("order loop: fetchOrder failed, will retry next tick")
			continue
		}

		if remote.Status == o.Status {
			continue
		}
		if !domain.CanTransition(o.Status, remote.Status) {
			l.log.Warn().Int64("order_id", o.ID).Str("local", string(o.Status)).Str("remote", string(remote.Status)).
				Msg("order loop: venue reports a non-monotonic status, skipping catch-up event")
			continue
		}

		ev := domain.OrderLifecycleEvent{
			OrderID: o.ID, Status: remote.Status, TsMillis: time.Now().UnixMilli(),
			ExchangeStatus: string(remote.Status), RawPayload: remote.RawPayload,
			Source: "reconciliation",
		}
		if !remote.FilledQty.IsZero() {
			ev.FillQty = &remote.FilledQty
			ev.FillPrice = &remote.AvgFillPrice
			ev.Fee = &remote.Fee
		}
		if err := l.Store.AppendLifecycleEvent(ctx, ev); err != nil {
			return true, fmt.Errorf("order loop: append catch-up event for order %d: %w", o.ID, err)
		}
		l.log.Info().Int64("order_id", o.ID).Str("from", string(o.Status)).Str("to", string(remote.Status)).
			Msg("order loop: caught up local state to venue's authoritative status")
	}

	return true, nil
}
