package portfolio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/portfolio"
)

func TestDefaultRegimeScoresMatchesEligibility(t *testing.T) {
	eligibility := portfolio.DefaultEligibility()
	scores := portfolio.DefaultRegimeScores()

	for id, regimes := range eligibility {
		for _, r := range regimes {
			require.Equal(t, 1.0, scores[id][r], "strategy %s regime %s", id, r)
		}
	}
}

func TestEligibleSignalsFiltersByRegime(t *testing.T) {
	signals := map[string]domain.StrategySignal{
		"ema_trend":       {StrategyID: "ema_trend"},
		"bollinger_range": {StrategyID: "bollinger_range"},
		"breakout":        {StrategyID: "breakout"},
	}

	eligible := portfolio.EligibleSignals(signals, domain.RegimeTrend, portfolio.DefaultEligibility())

	require.Contains(t, eligible, "ema_trend")
	require.NotContains(t, eligible, "bollinger_range")
	require.NotContains(t, eligible, "breakout")
}

func TestEligibleSignalsExcludesStrategiesWithNoEligibilityEntry(t *testing.T) {
	signals := map[string]domain.StrategySignal{
		"unknown_strategy": {StrategyID: "unknown_strategy"},
	}
	eligible := portfolio.EligibleSignals(signals, domain.RegimeTrend, portfolio.DefaultEligibility())
	require.Empty(t, eligible)
}
