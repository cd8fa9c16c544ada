// Package dataservice is the read-only façade every downstream component
// (Strategy Library, Regime Classifier, Decision Engine, Portfolio
// Scheduler, Risk Gate) reads market and account state through, instead of
// importing internal/store directly (spec §3, §4.3). Grounded on the
// teacher's narrow repository-interface pattern (e.g.
// trading.TradeRepositoryInterface in front of the SQL layer) so callers
// depend on a small interface rather than *store.Store.
package dataservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
)

// Snapshot bundles everything a decision cycle needs to read in one call: the
// candle window, the latest funding/price state, and the current position.
type Snapshot struct {
	Candles  []domain.Candle
	Funding  *domain.FundingRate
	Prices   *domain.PriceSnapshot
	Position domain.Position
}

// Service is the read-only façade. All methods return defensive copies; a
// caller mutating a returned slice or struct never affects Store state.
type Service struct {
	store *store.Store
}

// New builds a Service over an opened Store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// GetCandles returns the most recent `limit` candles for (symbol, tf),
// oldest first.
func (d *Service) GetCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	candles, err := d.store.GetCandles(ctx, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("dataservice: get candles: %w", err)
	}
	return candles, nil
}

// GetCandlesRange returns every candle in [startTs, endTs], used by the
// backtest engine's bar-by-bar replay (spec §4.13).
func (d *Service) GetCandlesRange(ctx context.Context, symbol string, tf domain.Timeframe, startTs, endTs int64) ([]domain.Candle, error) {
	candles, err := d.store.GetCandlesRange(ctx, symbol, tf, startTs, endTs)
	if err != nil {
		return nil, fmt.Errorf("dataservice: get candles range: %w", err)
	}
	return candles, nil
}

// GetLatestFunding returns the most recent funding rate, or
// domain.ErrNotFound if none has been ingested yet.
func (d *Service) GetLatestFunding(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	f, err := d.store.LatestFunding(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("dataservice: latest funding: %w", err)
	}
	return f, nil
}

// GetRecentFunding returns the last n funding rates, oldest first — the
// funding-arbitrage strategy's "sustained over N settlement periods" check
// needs more than the single latest value (spec §4.6).
func (d *Service) GetRecentFunding(ctx context.Context, symbol string, n int) ([]domain.FundingRate, error) {
	rows, err := d.store.RecentFunding(ctx, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("dataservice: recent funding: %w", err)
	}
	return rows, nil
}

// GetLatestPrices returns the most recent last/mark/index triple.
func (d *Service) GetLatestPrices(ctx context.Context, symbol string) (*domain.PriceSnapshot, error) {
	p, err := d.store.LatestPrices(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("dataservice: latest prices: %w", err)
	}
	return p, nil
}

// GetPosition returns the current net position for symbol (flat zero-value
// if none exists).
func (d *Service) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	p, err := d.store.CurrentPosition(ctx, symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("dataservice: current position: %w", err)
	}
	return p, nil
}

// GetLatestBalance returns the most recently reconciled balance for
// currency, or domain.ErrNotFound before the first Account Sync cycle.
func (d *Service) GetLatestBalance(ctx context.Context, currency string) (*domain.BalanceSnapshot, error) {
	b, err := d.store.LatestBalance(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("dataservice: latest balance: %w", err)
	}
	return b, nil
}

// GetSnapshot assembles the full read set a decision cycle needs in one
// call: the candle window, latest funding and price state, and the current
// position. Funding and price absence (domain.ErrNotFound) is tolerated —
// early in a symbol's ingest history neither may exist yet — everything
// else is propagated.
func (d *Service) GetSnapshot(ctx context.Context, symbol string, tf domain.Timeframe, candleWindow int) (Snapshot, error) {
	candles, err := d.GetCandles(ctx, symbol, tf, candleWindow)
	if err != nil {
		return Snapshot{}, err
	}

	funding, err := d.GetLatestFunding(ctx, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Snapshot{}, err
	}

	prices, err := d.GetLatestPrices(ctx, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Snapshot{}, err
	}

	position, err := d.GetPosition(ctx, symbol)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Candles: candles, Funding: funding, Prices: prices, Position: position}, nil
}
