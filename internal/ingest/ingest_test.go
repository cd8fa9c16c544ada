package ingest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/ingest"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
	"github.com/aristath/perpcore/pkg/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:ingest_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stubAdapter serves a fixed candle slice (or error) regardless of `since`,
// letting tests control exactly what Tick sees without a network dependency.
// It satisfies venue.Adapter in full; only FetchOHLCV is exercised here.
type stubAdapter struct {
	candles []domain.Candle
	err     error
}

func (s *stubAdapter) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, sinceMs int64, limit int) ([]domain.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.candles, nil
}
func (s *stubAdapter) FetchFunding(ctx context.Context, symbol string) (domain.FundingRate, error) {
	return domain.FundingRate{}, domain.ErrNotFound
}
func (s *stubAdapter) FetchMarkIndexLast(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	return domain.PriceSnapshot{}, domain.ErrNotFound
}
func (s *stubAdapter) FetchBalances(ctx context.Context) ([]venue.Balance, error) { return nil, nil }
func (s *stubAdapter) FetchPositions(ctx context.Context, symbol string) ([]venue.PositionInfo, error) {
	return nil, nil
}
func (s *stubAdapter) SubmitOrder(ctx context.Context, intent venue.OrderIntent) (venue.SubmitResult, error) {
	return venue.SubmitResult{}, fmt.Errorf("not implemented")
}
func (s *stubAdapter) FetchOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (venue.OrderStatusResult, error) {
	return venue.OrderStatusResult{}, domain.ErrNotFound
}
func (s *stubAdapter) CancelOrder(ctx context.Context, exchangeOrderID, clientOrderID string) error {
	return fmt.Errorf("not implemented")
}

func dec(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func TestTickDropsStillOpenTrailingBar(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().UnixMilli()
	tf := domain.Timeframe1h

	closedTs := now - tf.Millis()*2
	openTs := now - tf.Millis()/2 // still within the current bar window

	fv := &stubAdapter{candles: []domain.Candle{
		{Symbol: "BTC-USDT-SWAP", Timeframe: tf, TsMillis: closedTs, Open: dec("100"), High: dec("101"), Low: dec("99"), Close: dec("100.5"), Volume: dec("10")},
		{Symbol: "BTC-USDT-SWAP", Timeframe: tf, TsMillis: openTs, Open: dec("100"), High: dec("101"), Low: dec("99"), Close: dec("100.5"), Volume: dec("5")},
	}}

	w := ingest.NewWorker("BTC-USDT-SWAP", tf, s, fv, 10, logger.New(logger.Config{Level: "error"}))
	inserted, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	got, err := s.GetCandles(context.Background(), "BTC-USDT-SWAP", tf, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, closedTs, got[0].TsMillis)
}

func TestTickRecordsRiskEventAfterRepeatedFailures(t *testing.T) {
	s := newTestStore(t)
	fv := &stubAdapter{err: fmt.Errorf("venue unreachable")}
	w := ingest.NewWorker("BTC-USDT-SWAP", domain.Timeframe1h, s, fv, 10, logger.New(logger.Config{Level: "error"}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.Tick(ctx)
		require.Error(t, err)
	}

	events, err := s.ListRiskEvents(ctx, "BTC-USDT-SWAP", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "INGEST_STALL", events[0].Rule)
	require.Equal(t, domain.RiskWarn, events[0].Level)
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	d1 := ingest.BackoffDelay(1)
	d4 := ingest.BackoffDelay(4)
	require.Greater(t, d4, d1)
}
