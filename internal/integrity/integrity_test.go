package integrity_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/integrity"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
	"github.com/aristath/perpcore/pkg/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:integrity_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func candle(symbol string, tf domain.Timeframe, ts int64) domain.Candle {
	return domain.Candle{Symbol: symbol, Timeframe: tf, TsMillis: ts,
		Open: dec("100"), High: dec("101"), Low: dec("99"), Close: dec("100.5"), Volume: dec("1")}
}

func TestScanDetectsSingleGapAndEnqueuesRepair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tf := domain.Timeframe15m
	width := tf.Millis()

	// bars at 0, 1, then a gap at 2, then bar at 3
	_, err := s.UpsertCandles(ctx, []domain.Candle{
		candle("BTC-USDT-SWAP", tf, 0),
		candle("BTC-USDT-SWAP", tf, width),
		candle("BTC-USDT-SWAP", tf, 3*width),
	})
	require.NoError(t, err)

	sc := integrity.NewScanner(s, logger.New(logger.Config{Level: "error"}))
	gaps, err := sc.Scan(ctx, "BTC-USDT-SWAP", tf, 0, 3*width)
	require.NoError(t, err)
	require.Equal(t, 1, gaps)

	open, err := s.OpenGapEvents(ctx, "BTC-USDT-SWAP", tf)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, 2*width, open[0].StartTs)
	require.Equal(t, 2*width, open[0].EndTs)
}

// stubAdapter serves fixed candles for FetchOHLCV; everything else is
// unused by the repair worker.
type stubAdapter struct{ candles []domain.Candle }

func (a *stubAdapter) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, sinceMs int64, limit int) ([]domain.Candle, error) {
	return a.candles, nil
}
func (a *stubAdapter) FetchFunding(ctx context.Context, symbol string) (domain.FundingRate, error) {
	return domain.FundingRate{}, domain.ErrNotFound
}
func (a *stubAdapter) FetchMarkIndexLast(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	return domain.PriceSnapshot{}, domain.ErrNotFound
}
func (a *stubAdapter) FetchBalances(ctx context.Context) ([]venue.Balance, error) { return nil, nil }
func (a *stubAdapter) FetchPositions(ctx context.Context, symbol string) ([]venue.PositionInfo, error) {
	return nil, nil
}
func (a *stubAdapter) SubmitOrder(ctx context.Context, intent venue.OrderIntent) (venue.SubmitResult, error) {
	return venue.SubmitResult{}, fmt.Errorf("not implemented")
}
func (a *stubAdapter) FetchOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (venue.OrderStatusResult, error) {
	return venue.OrderStatusResult{}, domain.ErrNotFound
}
func (a *stubAdapter) CancelOrder(ctx context.Context, exchangeOrderID, clientOrderID string) error {
	return fmt.Errorf("not implemented")
}

func TestRepairWorkerFillsGapAndMarksDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tf := domain.Timeframe15m
	width := tf.Millis()

	require.NoError(t, s.EnqueueRepairJob(ctx, domain.RepairJob{
		JobID: "job-1", Symbol: "BTC-USDT-SWAP", Timeframe: tf, StartTs: width, EndTs: width,
	}))

	adapter := &stubAdapter{candles: []domain.Candle{candle("BTC-USDT-SWAP", tf, width)}}
	w := integrity.NewWorker(s, adapter, lock.New(), logger.New(logger.Config{Level: "error"}))

	processed, err := w.RunOne(ctx, "BTC-USDT-SWAP", tf)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := s.GetCandlesRange(ctx, "BTC-USDT-SWAP", tf, width, width)
	require.NoError(t, err)
	require.Len(t, got, 1)

	processed, err = w.RunOne(ctx, "BTC-USDT-SWAP", tf)
	require.NoError(t, err)
	require.False(t, processed)
}
