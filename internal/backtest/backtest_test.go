package backtest_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/backtest"
	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/regime"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/strategy"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:backtest_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedUptrend writes n hourly candles of a clean, low-noise uptrend
// starting at startMs, one bar width apart.
func seedUptrend(t *testing.T, s *store.Store, symbol string, tf domain.Timeframe, startMs int64, n int) {
	t.Helper()
	rows := make([]domain.Candle, 0, n)
	price := 20000.0
	step := int64(0)
	for i := 0; i < n; i++ {
		open := price
		price = price * 1.0015 // steady ~0.15% per bar climb
		closeP := price
		high := closeP * 1.001
		low := open * 0.999
		rows = append(rows, domain.Candle{
			Symbol: symbol, Timeframe: tf, TsMillis: startMs + step,
			Open: decimal.NewFromFloat(open), High: decimal.NewFromFloat(high),
			Low: decimal.NewFromFloat(low), Close: decimal.NewFromFloat(closeP),
			Volume: decimal.NewFromFloat(100 + float64(i)),
		})
		step += tf.Millis()
	}
	_, err := s.UpsertCandles(context.Background(), rows)
	require.NoError(t, err)
}

func TestRunOnCleanUptrendSavesRunWithMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	symbol := "BTC-USDT-SWAP"
	tf := domain.Timeframe1h
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	seedUptrend(t, s, symbol, tf, start, 720)

	data := dataservice.New(s)
	registry := strategy.DefaultRegistry()
	eng := backtest.New(data, registry, zerolog.Nop())

	req := backtest.Request{
		Symbol: symbol, Timeframe: tf, StartTs: start, EndTs: start + int64(720)*tf.Millis(),
		InitialCapital: decimal.NewFromInt(10000), StrategyID: "ema_trend",
		FeeRate: decimal.NewFromFloat(0.0005), SlippageBps: decimal.Zero,
		Leverage: 1, DiffThresholdBps: 25, FundingEnabled: false,
		Thresholds: regime.DefaultThresholds(),
	}

	run, err := eng.Run(ctx, req, backtest.DefaultIndicatorConfig())
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)
	require.NotEmpty(t, run.EquityCurveJSON)
	require.Contains(t, run.MetricsJSON, "total_return")

	err = s.SaveBacktestRun(ctx, *run, nil, nil, nil)
	require.NoError(t, err)

	fetched, err := s.BacktestRunByID(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, run.RunID, fetched.RunID)
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	symbol := "BTC-USDT-SWAP"
	tf := domain.Timeframe1h
	start := time.Now().UnixMilli()
	seedUptrend(t, s, symbol, tf, start, 100)

	eng := backtest.New(dataservice.New(s), strategy.DefaultRegistry(), zerolog.Nop())
	req := backtest.Request{
		Symbol: symbol, Timeframe: tf, StartTs: start, EndTs: start + int64(100)*tf.Millis(),
		InitialCapital: decimal.NewFromInt(10000), StrategyID: "not_a_strategy",
	}
	_, err := eng.Run(ctx, req, backtest.DefaultIndicatorConfig())
	require.Error(t, err)
}

func TestRunRejectsInsufficientCandles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	symbol := "BTC-USDT-SWAP"
	tf := domain.Timeframe1h
	start := time.Now().UnixMilli()
	seedUptrend(t, s, symbol, tf, start, 10)

	eng := backtest.New(dataservice.New(s), strategy.DefaultRegistry(), zerolog.Nop())
	req := backtest.Request{
		Symbol: symbol, Timeframe: tf, StartTs: start, EndTs: start + int64(10)*tf.Millis(),
		InitialCapital: decimal.NewFromInt(10000), StrategyID: "ema_trend",
	}
	_, err := eng.Run(ctx, req, backtest.DefaultIndicatorConfig())
	require.Error(t, err)
}

func TestComputeMetricsOnFlatCurveHasNoDrawdown(t *testing.T) {
	curve := []backtest.EquityPoint{
		{TsMillis: 0, Equity: 10000}, {TsMillis: 1, Equity: 10000}, {TsMillis: 2, Equity: 10000},
	}
	m := backtest.ComputeMetrics(domain.Timeframe1h, curve, nil, 0)
	require.Equal(t, 0.0, m.TotalReturn)
	require.Equal(t, 0.0, m.MaxDrawdown)
}

func TestComputeMetricsWinRateAndProfitFactor(t *testing.T) {
	trades := []domain.BacktestTrade{
		{RealizedPnl: decimal.NewFromInt(100)},
		{RealizedPnl: decimal.NewFromInt(-50)},
		{RealizedPnl: decimal.NewFromInt(200)},
	}
	curve := []backtest.EquityPoint{{TsMillis: 0, Equity: 10000}, {TsMillis: 1, Equity: 10250}}
	m := backtest.ComputeMetrics(domain.Timeframe1h, curve, trades, 0)
	require.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	require.InDelta(t, 300.0/50.0, m.ProfitFactor, 1e-9)
	require.Equal(t, 3, m.TradeCount)
}

func TestComputeMetricsHandlesTooShortCurve(t *testing.T) {
	m := backtest.ComputeMetrics(domain.Timeframe1h, []backtest.EquityPoint{{Equity: 10000}}, nil, 0)
	require.Equal(t, 0, m.TradeCount)
	require.False(t, math.IsNaN(m.TotalReturn))
}
