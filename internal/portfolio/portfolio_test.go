package portfolio_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/portfolio"
)

func TestScheduleCombinesTopKAndClampsToGlobalLeverage(t *testing.T) {
	in := portfolio.Input{
		Regime: domain.RegimeTrend,
		Signals: map[string]domain.StrategySignal{
			"ema_trend":       {StrategyID: "ema_trend", TargetWeight: 1.0},
			"momentum":        {StrategyID: "momentum", TargetWeight: 0.8},
			"mean_reversion":  {StrategyID: "mean_reversion", TargetWeight: 1.0},
			"bollinger_range": {StrategyID: "bollinger_range", TargetWeight: -1.0},
		},
		RegimeScores: portfolio.RegimeScoreTable{
			"ema_trend":       {domain.RegimeTrend: 1.0},
			"momentum":        {domain.RegimeTrend: 0.9},
			"mean_reversion":  {domain.RegimeTrend: 0.8},
			"bollinger_range": {domain.RegimeTrend: 0.1},
		},
		CurrentPosition: domain.Position{Side: domain.PositionFlat},
		Equity:          10000,
	}
	cfg := portfolio.DefaultConfig()

	result := portfolio.Schedule(in, cfg)

	require.False(t, result.Hold)
	require.LessOrEqual(t, result.TargetPosition, cfg.GlobalLeverage)
	require.GreaterOrEqual(t, result.TargetPosition, -cfg.GlobalLeverage)
	// bollinger_range scored lowest of the four and should be excluded by top-3.
	_, included := result.Weights["bollinger_range"]
	require.False(t, included)
	require.Greater(t, result.TargetPosition, 0.0)
}

func TestScheduleExclusivityRuleBlocksDirectFlip(t *testing.T) {
	in := portfolio.Input{
		Regime: domain.RegimeTrend,
		Signals: map[string]domain.StrategySignal{
			"ema_trend": {StrategyID: "ema_trend", TargetWeight: -1.0},
		},
		RegimeScores: portfolio.RegimeScoreTable{
			"ema_trend": {domain.RegimeTrend: 1.0},
		},
		CurrentPosition: domain.Position{Side: domain.PositionLong, Size: decimal.NewFromInt(1)},
		Equity:          10000,
	}
	cfg := portfolio.DefaultConfig()

	result := portfolio.Schedule(in, cfg)

	// Opposite-sign delta must fully close first, not net through in one step.
	require.Equal(t, 0.0, result.TargetPosition)
}

func TestScheduleHoldsWhenBelowMinNotional(t *testing.T) {
	in := portfolio.Input{
		Regime: domain.RegimeTrend,
		Signals: map[string]domain.StrategySignal{
			"ema_trend": {StrategyID: "ema_trend", TargetWeight: 0.001},
		},
		RegimeScores: portfolio.RegimeScoreTable{
			"ema_trend": {domain.RegimeTrend: 1.0},
		},
		CurrentPosition: domain.Position{Side: domain.PositionFlat},
		Equity:          10000,
	}
	cfg := portfolio.DefaultConfig()

	result := portfolio.Schedule(in, cfg)

	require.True(t, result.Hold)
	require.Equal(t, 0.0, result.TargetPosition)
}

func TestScheduleHoldsWhenChangeBelowDiffThreshold(t *testing.T) {
	in := portfolio.Input{
		Regime: domain.RegimeTrend,
		Signals: map[string]domain.StrategySignal{
			"ema_trend": {StrategyID: "ema_trend", TargetWeight: 0.5001},
		},
		RegimeScores: portfolio.RegimeScoreTable{
			"ema_trend": {domain.RegimeTrend: 1.0},
		},
		CurrentPosition: domain.Position{Side: domain.PositionLong, Size: decimal.NewFromFloat(0.5)},
		Equity:          10000,
	}
	cfg := portfolio.DefaultConfig()

	result := portfolio.Schedule(in, cfg)

	require.True(t, result.Hold)
}

func TestPerformanceScoreWeightsHigherTrackRecordHigherInTies(t *testing.T) {
	in := portfolio.Input{
		Regime: domain.RegimeTrend,
		Signals: map[string]domain.StrategySignal{
			"a": {StrategyID: "a", TargetWeight: 1.0},
			"b": {StrategyID: "b", TargetWeight: 1.0},
		},
		Performance: map[string]portfolio.StrategyPerformance{
			"a": {StrategyID: "a", PnLSamples: []float64{10, 12, 11, 9, 13}},
			"b": {StrategyID: "b", PnLSamples: []float64{-5, 4, -8, 2, -1}},
		},
		RegimeScores: portfolio.RegimeScoreTable{
			"a": {domain.RegimeTrend: 0.5},
			"b": {domain.RegimeTrend: 0.5},
		},
		CurrentPosition: domain.Position{Side: domain.PositionFlat},
		Equity:          10000,
	}
	cfg := portfolio.DefaultConfig()

	result := portfolio.Schedule(in, cfg)

	require.Greater(t, result.Weights["a"], result.Weights["b"])
}
