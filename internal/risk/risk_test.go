package risk_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/risk"
	"github.com/aristath/perpcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:risk_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func baseCandidate() risk.Candidate {
	return risk.Candidate{
		Symbol: "BTC-USDT-SWAP", TsMillis: 1000,
		Confidence: 0.8, NewGrossNotional: 1000, ResultingLeverage: 1,
		Equity: 10000, WouldOpenNew: true,
	}
}

func TestEvaluateApprovesCleanCandidate(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())

	decision, err := gate.Evaluate(context.Background(), baseCandidate())

	require.NoError(t, err)
	require.True(t, decision.Approved)
}

func TestEvaluateBlocksWhenTradingDisabled(t *testing.T) {
	s := newTestStore(t)
	cfg := risk.DefaultConfig()
	cfg.TradingEnabled = false
	gate := risk.New(s, cfg)

	decision, err := gate.Evaluate(context.Background(), baseCandidate())

	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "TRADING_ENABLED", decision.Rule)

	events, err := s.ListRiskEvents(context.Background(), "BTC-USDT-SWAP", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "TRADING_ENABLED", events[0].Rule)
}

func TestEvaluateBlocksLowConfidence(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.Confidence = 0.1

	decision, err := gate.Evaluate(context.Background(), c)

	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "MIN_CONFIDENCE", decision.Rule)
}

func TestEvaluateBlocksExcessNotional(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.NewGrossNotional = 1_000_000

	decision, err := gate.Evaluate(context.Background(), c)

	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "MAX_NOTIONAL", decision.Rule)
}

func TestEvaluateBlocksExcessLeverage(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.ResultingLeverage = 10

	decision, err := gate.Evaluate(context.Background(), c)

	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "MAX_LEVERAGE", decision.Rule)
}

func TestEvaluateDailyLossBlocksOpenButAllowsClose(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.DailyRealizedLoss = 600 // 6% of 10000 equity, above the 5% default

	decision, err := gate.Evaluate(context.Background(), c)
	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "MAX_DAILY_LOSS", decision.Rule)

	c.IsClose = true
	c.WouldOpenNew = false
	decision, err = gate.Evaluate(context.Background(), c)
	require.NoError(t, err)
	require.True(t, decision.Approved)
}

func TestEvaluateCooldownBlocksAfterConsecutiveLosses(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.RecentTradeWins = []bool{true, false, false, false}
	c.BarsSinceCooldown = 1

	decision, err := gate.Evaluate(context.Background(), c)
	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "COOLDOWN", decision.Rule)

	c.BarsSinceCooldown = 100
	decision, err = gate.Evaluate(context.Background(), c)
	require.NoError(t, err)
	require.True(t, decision.Approved)
}

func TestEvaluateBlocksSecondPositionOnSameSymbol(t *testing.T) {
	s := newTestStore(t)
	gate := risk.New(s, risk.DefaultConfig())
	c := baseCandidate()
	c.HasOpenPosition = true
	c.WouldOpenNew = true

	decision, err := gate.Evaluate(context.Background(), c)

	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, "ONE_POSITION_PER_SYMBOL", decision.Rule)
}
