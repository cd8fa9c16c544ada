package portfolio

import "github.com/aristath/perpcore/internal/domain"

// DefaultEligibility is the `required_regimes` declaration spec §4.6 asks
// each strategy to carry. The Strategy Library keeps strategies themselves
// pure functions of a Snapshot with no regime awareness, so this mapping —
// not a per-strategy field — is what the scheduling pass (step 1, "filter
// to strategies whose required_regimes contain the current regime") reads
// before calling Schedule.
func DefaultEligibility() map[string][]domain.Regime {
	return map[string][]domain.Regime{
		"ema_trend":       {domain.RegimeTrend},
		"momentum":        {domain.RegimeTrend, domain.RegimeBreakout},
		"breakout":        {domain.RegimeBreakout},
		"bollinger_range": {domain.RegimeRange},
		"mean_reversion":  {domain.RegimeRange},
		"funding_arb":     {domain.RegimeTrend, domain.RegimeRange, domain.RegimeBreakout, domain.RegimeHighVol},
	}
}

// DefaultRegimeScores is the fixed (strategy_id, regime) affinity table
// spec §4.9 step 2 requires as regime_score. A strategy scores 1.0 in every
// regime DefaultEligibility lists it for, 0 elsewhere — eligibility and
// affinity collapse to the same table in V1 since no strategy has a graded
// preference among its own eligible regimes yet.
func DefaultRegimeScores() RegimeScoreTable {
	table := make(RegimeScoreTable)
	for id, regimes := range DefaultEligibility() {
		scores := make(map[domain.Regime]float64)
		for _, r := range regimes {
			scores[r] = 1.0
		}
		table[id] = scores
	}
	return table
}

// EligibleSignals filters signals down to the strategies whose
// DefaultEligibility entry contains regime (spec §4.9 step 1). Strategies
// with no eligibility entry are excluded rather than treated as
// universally eligible.
func EligibleSignals(signals map[string]domain.StrategySignal, regime domain.Regime, eligibility map[string][]domain.Regime) map[string]domain.StrategySignal {
	out := make(map[string]domain.StrategySignal)
	for id, sig := range signals {
		for _, r := range eligibility[id] {
			if r == regime {
				out[id] = sig
				break
			}
		}
	}
	return out
}
