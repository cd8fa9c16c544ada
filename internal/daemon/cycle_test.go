package daemon_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/daemon"
	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/decision"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/executor"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/portfolio"
	"github.com/aristath/perpcore/internal/risk"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/strategy"
	"github.com/aristath/perpcore/internal/venue"
)

const cycleSymbol = "BTC-USDT-SWAP"

// seedCandlesPricesBalance writes candleWindow candles tracing a flat base
// with one deliberate loss bar followed by a clean closing climb (the same
// shape strategy.TestEMATrendGoesLongOnSustainedUptrend uses to clear
// ema_trend's RSI/MACD/volume filters deterministically), a spiked last-bar
// volume, a matching price snapshot, and a reconciled USDT balance, so a
// Cycle clears its own warm-up guards and ema_trend's entry conditions.
func seedCandlesPricesBalance(t *testing.T, s *store.Store, candleWindow int) {
	t.Helper()
	ctx := context.Background()

	rows := make([]domain.Candle, 0, candleWindow)
	price := 20000.0
	lossAt := candleWindow - 7 // a loss bar close enough to the end to keep RSI off its ceiling
	for i := 0; i < candleWindow; i++ {
		ts := int64(i) * domain.Timeframe15m.Millis()
		switch {
		case i == 20:
			price -= 40
		case i < candleWindow/2:
			// flat base
		case i == lossAt:
			price -= 60
		default:
			price += 30
		}
		volume := 100.0
		if i == candleWindow-1 {
			volume = 300
		}
		rows = append(rows, domain.Candle{
			Symbol: cycleSymbol, Timeframe: domain.Timeframe15m, TsMillis: ts,
			Open: decimal.NewFromFloat(price - 10), High: decimal.NewFromFloat(price + 20),
			Low: decimal.NewFromFloat(price - 20), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(volume),
		})
	}
	_, err := s.UpsertCandles(ctx, rows)
	require.NoError(t, err)

	last := rows[len(rows)-1]
	require.NoError(t, s.UpsertPriceSnapshot(ctx, domain.PriceSnapshot{
		Symbol: cycleSymbol, TsMillis: last.TsMillis,
		Last: last.Close, Mark: last.Close, Index: last.Close,
	}))

	require.NoError(t, s.InsertBalanceSnapshot(ctx, domain.BalanceSnapshot{
		Exchange: "okx", AccountID: "acct-1", TsMillis: 1, Currency: "USDT",
		Total: decimal.NewFromInt(10000), Available: decimal.NewFromInt(10000),
	}))
}

func newCycleForTest(t *testing.T, s *store.Store, cfg daemon.CycleConfig) *daemon.Cycle {
	t.Helper()
	data := dataservice.New(s)
	exec := executor.New(s, venue.NewSimulated(venue.SimulatedConfig{StartBalance: decimal.NewFromInt(10000)}), lock.New(), executor.DefaultConfig(), zerolog.Nop())
	gate := risk.New(s, risk.DefaultConfig())
	// nil client forces the Decision Engine to reject immediately, exercising
	// the Portfolio Scheduler fallback path (spec §4.8's documented degrade).
	dec := decision.New(nil, s, zerolog.Nop())
	return daemon.NewCycle(data, s, dec, gate, exec, cfg, zerolog.Nop())
}

func TestCycleRunHoldsWhenCandleWindowIsShort(t *testing.T) {
	s := newTestStore(t)
	cfg := daemon.DefaultCycleConfig(cycleSymbol, domain.Timeframe15m, "USDT")
	cyc := newCycleForTest(t, s, cfg)

	require.Equal(t, "decision_cycle", cyc.Name())
	require.NoError(t, cyc.Run(context.Background()))

	decisions, err := s.RecentDecisions(context.Background(), cycleSymbol, 10)
	require.NoError(t, err)
	require.Empty(t, decisions, "no warm-up data: cycle must not record a decision")
}

func TestCycleRunHoldsWithoutReconciledBalance(t *testing.T) {
	s := newTestStore(t)
	cfg := daemon.DefaultCycleConfig(cycleSymbol, domain.Timeframe15m, "USDT")

	ctx := context.Background()
	rows := make([]domain.Candle, 0, cfg.CandleWindow)
	price := 20000.0
	for i := 0; i < cfg.CandleWindow; i++ {
		price += 1
		rows = append(rows, domain.Candle{
			Symbol: cycleSymbol, Timeframe: domain.Timeframe15m, TsMillis: int64(i) * domain.Timeframe15m.Millis(),
			Open: decimal.NewFromFloat(price - 1), High: decimal.NewFromFloat(price + 2),
			Low: decimal.NewFromFloat(price - 2), Close: decimal.NewFromFloat(price), Volume: decimal.NewFromFloat(100),
		})
	}
	_, err := s.UpsertCandles(ctx, rows)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	require.NoError(t, s.UpsertPriceSnapshot(ctx, domain.PriceSnapshot{
		Symbol: cycleSymbol, TsMillis: last.TsMillis, Last: last.Close, Mark: last.Close, Index: last.Close,
	}))
	// Deliberately no InsertBalanceSnapshot: no Account Sync cycle has run yet.

	cyc := newCycleForTest(t, s, cfg)
	require.NoError(t, cyc.Run(ctx))

	decisions, err := s.RecentDecisions(ctx, cycleSymbol, 10)
	require.NoError(t, err)
	require.Empty(t, decisions, "no reconciled balance: cycle must not size or record a decision")
}

func TestCycleRunRecordsDecisionOncePopulated(t *testing.T) {
	s := newTestStore(t)
	cfg := daemon.DefaultCycleConfig(cycleSymbol, domain.Timeframe15m, "USDT")

	// Restrict the registry to ema_trend alone and make it eligible in
	// every regime, so the steep synthetic uptrend deterministically
	// produces a single nonzero IntentLong signal regardless of which
	// regime the classifier happens to label this window.
	registry := strategy.NewRegistry()
	registry.Register(strategy.NewEMATrend(strategy.EMATrendParams{
		FastLength: 3, MidLength: 7, SlowLength: 15,
		MACDFast: 3, MACDSlow: 7, MACDSignal: 3,
		VolumeLength: 5, VolumeMultiple: 1.01,
		RSILength: 7, RSILow: 20, RSIHigh: 99.9,
		ATRLength: 7, MaxExtensionATR: 20,
		StopATRMultiple: 1.5, TakeProfitATRMultiple: 3, TimeStopBars: 10,
	}))
	cfg.Strategies = registry
	cfg.Eligibility = map[string][]domain.Regime{
		"ema_trend": {domain.RegimeTrend, domain.RegimeRange, domain.RegimeBreakout, domain.RegimeHighVol, domain.RegimeUndefined},
	}
	cfg.RegimeScores = portfolio.RegimeScoreTable{
		"ema_trend": {
			domain.RegimeTrend: 1, domain.RegimeRange: 1, domain.RegimeBreakout: 1,
			domain.RegimeHighVol: 1, domain.RegimeUndefined: 1,
		},
	}

	seedCandlesPricesBalance(t, s, cfg.CandleWindow)

	cyc := newCycleForTest(t, s, cfg)
	require.NoError(t, cyc.Run(context.Background()))

	decisions, err := s.RecentDecisions(context.Background(), cycleSymbol, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, cycleSymbol, decisions[0].Symbol)
	require.Greater(t, decisions[0].TotalPosition, 0.0, "steep uptrend must produce a long target position")
}
