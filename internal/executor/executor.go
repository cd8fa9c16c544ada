// Package executor implements the Order Executor, the component that turns
// an approved risk-gated decision into a live or simulated order and drives
// it through the state machine to a terminal status (spec §4.11). Both
// variants share the same Submit contract so the Decision/Risk pipeline
// never needs to know which one is wired in.
//
// Grounded on the teacher's TradernetClient submit/poll idiom generalized
// from a brokerage REST client to the venue.Adapter capability interface,
// and on internal/modules/trading's append-then-transition pattern for
// writing OrderLifecycleEvents through store.AppendLifecycleEvent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

// Config parameterizes retry/poll behavior (spec §4.11, §9's EXECUTOR_* and
// OKX_WAIT_FILL settings).
type Config struct {
	MaxSubmitAttempts int
	RetryBaseDelay    time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
	WaitForFill       bool // when false, orders left PARTIALLY_FILLED/ACCEPTED are not actively polled
}

// DefaultConfig returns the executor's built-in retry/poll settings; the
// daemon passes these as-is, since config.Load() reads no executor settings.
func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts: 3, RetryBaseDelay: 500 * time.Millisecond,
		PollInterval: time.Second, PollTimeout: 10 * time.Second, WaitForFill: true,
	}
}

// Executor submits and tracks orders against a venue.Adapter (Simulated or
// LiveClient — the caller picks which).
type Executor struct {
	store *store.Store
	venue venue.Adapter
	locks *lock.Keyed
	cfg   Config
	log   zerolog.Logger
}

// New builds an Executor.
func New(s *store.Store, v venue.Adapter, locks *lock.Keyed, cfg Config, log zerolog.Logger) *Executor {
	return &Executor{store: s, venue: v, locks: locks, cfg: cfg, log: log.With().Str("component", "executor").Logger()}
}

// Submit persists the order with its client_order_id before calling the
// venue, so a retried Submit after a network failure is idempotent: the
// client_order_id uniquely identifies the intent regardless of how many
// times the network call is attempted (spec §4.11, §8).
func (e *Executor) Submit(ctx context.Context, intent venue.OrderIntent) (domain.Order, error) {
	e.locks.Lock(intent.ClientOrderID)
	defer e.locks.Unlock(intent.ClientOrderID)

	existing, err := e.store.OrderByClientID(ctx, intent.ClientOrderID)
	if err != nil && err != domain.ErrNotFound {
		return domain.Order{}, fmt.Errorf("executor: lookup existing order: %w", err)
	}

	var orderID int64
	if existing != nil {
		orderID = existing.ID
		if existing.Status != domain.OrderNew {
			// A prior attempt already got an exchange ack; nothing left to submit.
			return *existing, nil
		}
	} else {
		orderID, err = e.store.CreateOrder(ctx, domain.Order{
			ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Side: intent.Side,
			Type: intent.Type, Price: intent.Price, Amount: intent.Amount,
			Leverage: intent.Leverage, TimeInForce: intent.TimeInForce,
		})
		if err != nil {
			return domain.Order{}, fmt.Errorf("executor: persist order before submit: %w", err)
		}
	}

	result, err := e.submitWithRetry(ctx, intent)
	if err != nil {
		if evErr := e.store.AppendLifecycleEvent(ctx, domain.OrderLifecycleEvent{
			OrderID: orderID, Status: domain.OrderRejected, TsMillis: time.Now().UnixMilli(),
			ExchangeStatus: err.Error(),
		}); evErr != nil {
			e.log.Error().Err(evErr).Int64("order_id", orderID).Msg("failed to record rejection after exhausted retries")
		}
		return domain.Order{}, fmt.Errorf("executor: submit failed after retries: %w", err)
	}

	if err := e.store.SetExchangeOrderID(ctx, orderID, result.ExchangeOrderID); err != nil {
		return domain.Order{}, fmt.Errorf("executor: record exchange order id: %w", err)
	}

	// The venue always acknowledges through ACCEPTED first (spec §4.11's
	// state machine: NEW --submit--> ACCEPTED). A venue that fills
	// synchronously (the Simulated adapter) still reports the ACCEPTED hop
	// before the fill is layered on, keeping every order's lifecycle legal
	// under domain.CanTransition regardless of how fast the venue settles.
	if err := e.store.AppendLifecycleEvent(ctx, domain.OrderLifecycleEvent{
		OrderID: orderID, Status: domain.OrderAccepted, TsMillis: time.Now().UnixMilli(),
	}); err != nil {
		return domain.Order{}, fmt.Errorf("executor: record acceptance: %w", err)
	}

	if result.Status != domain.OrderAccepted {
		status, err := e.venue.FetchOrder(ctx, result.ExchangeOrderID, intent.ClientOrderID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("executor: fetch immediate fill detail: %w", err)
		}
		if err := e.recordObservedStatus(ctx, orderID, status); err != nil {
			return domain.Order{}, fmt.Errorf("executor: record immediate fill: %w", err)
		}
	}

	if e.cfg.WaitForFill {
		return e.pollUntilSettled(ctx, orderID, result.ExchangeOrderID, intent.ClientOrderID, intent.TimeInForce)
	}

	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// submitWithRetry retries transient venue errors with exponential backoff
// up to MaxSubmitAttempts; the client_order_id already persisted makes every
// attempt idempotent from the venue's point of view.
func (e *Executor) submitWithRetry(ctx context.Context, intent venue.OrderIntent) (venue.SubmitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxSubmitAttempts; attempt++ {
		result, err := e.venue.SubmitOrder(ctx, intent)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.log.Warn().Err(err).Int("attempt", attempt).Str("client_order_id", intent.ClientOrderID).Msg("order submit failed, retrying")
		if attempt < e.cfg.MaxSubmitAttempts {
			select {
			case <-time.After(e.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return venue.SubmitResult{}, ctx.Err()
			}
		}
	}
	return venue.SubmitResult{}, lastErr
}

// pollUntilSettled polls the venue for fill progress up to PollTimeout, then
// either leaves a GTC order open or cancels the IOC remainder (spec §4.11).
func (e *Executor) pollUntilSettled(ctx context.Context, orderID int64, exchangeOrderID, clientOrderID string, tif domain.TimeInForce) (domain.Order, error) {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	for {
		status, err := e.venue.FetchOrder(ctx, exchangeOrderID, clientOrderID)
		if err != nil {
			e.log.Warn().Err(err).Int64("order_id", orderID).Msg("poll fetchOrder failed")
		} else if err := e.recordObservedStatus(ctx, orderID, status); err != nil {
			return domain.Order{}, err
		} else if status.Status.Terminal() {
			break
		}

		if time.Now().After(deadline) {
			if tif == domain.TIFIOC {
				if err := e.venue.CancelOrder(ctx, exchangeOrderID, clientOrderID); err != nil {
					e.log.Warn().Err(err).Int64("order_id", orderID).Msg("failed to cancel IOC remainder at poll timeout")
				}
			}
			// GTC: leave the order open, reconciliation loops pick up the rest.
			break
		}

		select {
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		}
	}

	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// recordObservedStatus appends a lifecycle event for a fetchOrder
// observation, tolerating a no-op when the status hasn't actually advanced.
func (e *Executor) recordObservedStatus(ctx context.Context, orderID int64, status venue.OrderStatusResult) error {
	ev := domain.OrderLifecycleEvent{
		OrderID: orderID, Status: status.Status, TsMillis: time.Now().UnixMilli(),
		RawPayload: status.RawPayload,
	}
	if !status.FilledQty.IsZero() {
		ev.FillQty = &status.FilledQty
		ev.FillPrice = &status.AvgFillPrice
		ev.Fee = &status.Fee
	}
	if err := e.store.AppendLifecycleEvent(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// A duplicate or stale observation of an already-applied status
			// is expected from polling and is not an error.
			return nil
		}
		return fmt.Errorf("executor: record observed status: %w", err)
	}
	return nil
}

// Cancel requests cancellation of an open order.
func (e *Executor) Cancel(ctx context.Context, orderID int64) error {
	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("executor: lookup order for cancel: %w", err)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("executor: order %d already terminal (%s)", orderID, order.Status)
	}

	e.locks.Lock(order.ClientOrderID)
	defer e.locks.Unlock(order.ClientOrderID)

	if err := e.venue.CancelOrder(ctx, order.ExchangeOrderID, order.ClientOrderID); err != nil {
		return fmt.Errorf("executor: venue cancel failed: %w", err)
	}
	return e.store.AppendLifecycleEvent(ctx, domain.OrderLifecycleEvent{
		OrderID: orderID, Status: domain.OrderCanceled, TsMillis: time.Now().UnixMilli(),
	})
}
