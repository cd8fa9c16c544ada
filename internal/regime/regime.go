// Package regime classifies the current market state from indicator values
// (spec §4.7). Classification is a pure, stateless function over a
// Snapshot — no I/O, no smoothing memory — evaluated fresh every decision
// cycle in a fixed threshold order so the same inputs always produce the
// same label.
//
// Grounded on market_regime.MarketStateDetector's ordered-condition-check
// shape (pre-market -> dominant-open -> secondary-open -> closed, first
// match wins) and market_regime.MarketRegimeDetector's threshold/config
// struct idiom, generalized from a continuous bull/bear score to the
// spec's discrete five-way label with explicit priority, since the
// downstream Portfolio Scheduler needs a label to key its per-regime
// strategy table on, not a continuous score.
package regime

import (
	"math"

	"github.com/aristath/perpcore/internal/domain"
)

// Thresholds parameterizes classification (spec §4.7's policy table; the
// ADX and BB-width floors are also exposed as config.RegimeADXThreshold /
// config.RegimeBBWidthThreshold).
type Thresholds struct {
	ADXTrend          float64 // ADX at/above this with a directional slope => TREND
	BBWidthRange      float64 // BB width at/below this => RANGE (absent other signals)
	ATRPercentileHigh float64 // ATR% percentile rank at/above this => HIGH_VOL
	BreakoutATRMult   float64 // close beyond BB band by this multiple of ATR => BREAKOUT
	EMASlopeMin       float64 // minimum |EMA slope| to call a direction "trending"
}

// DefaultThresholds mirrors config.Load()'s defaults (REGIME_ADX_THRESHOLD=20,
// REGIME_BB_WIDTH_THRESHOLD=0.04).
func DefaultThresholds() Thresholds {
	return Thresholds{
		ADXTrend:          20,
		BBWidthRange:      0.04,
		ATRPercentileHigh: 0.90,
		BreakoutATRMult:   1.5,
		EMASlopeMin:       0.0015,
	}
}

// Snapshot is the indicator bundle the classifier reads, all at the same
// bar offset.
type Snapshot struct {
	Close           float64
	ADX             float64
	BBWidth         float64
	BBUpper         float64
	BBLower         float64
	ATR             float64
	ATRPercentile   float64
	EMASlope        float64
}

// Classify applies the fixed-order decision table from spec §4.7, checked
// in the table's listed order so ties are always resolved the same way:
//  1. TREND if ADX confirms trend strength AND the EMA slope confirms a
//     sustained direction.
//  2. RANGE if BB width is at or below the range floor.
//  3. BREAKOUT if price has moved beyond a band by more than
//     BreakoutATRMult x ATR — a sharp directional move out of compression.
//  4. HIGH_VOL if ATR% percentile rank is extreme.
//  5. UNDEFINED otherwise — not enough signal to commit to a regime.
//
// Any NaN input (insufficient warm-up data) forces UNDEFINED rather than a
// false positive on zero-valued indicators.
func Classify(s Snapshot, t Thresholds) domain.Regime {
	if hasNaN(s.ADX, s.BBWidth, s.ATRPercentile, s.EMASlope, s.Close) {
		return domain.RegimeUndefined
	}

	if s.ADX >= t.ADXTrend && math.Abs(s.EMASlope) >= t.EMASlopeMin {
		return domain.RegimeTrend
	}

	if s.BBWidth <= t.BBWidthRange {
		return domain.RegimeRange
	}

	if !math.IsNaN(s.BBUpper) && !math.IsNaN(s.ATR) && t.BreakoutATRMult > 0 {
		if s.Close > s.BBUpper+t.BreakoutATRMult*s.ATR || s.Close < s.BBLower-t.BreakoutATRMult*s.ATR {
			return domain.RegimeBreakout
		}
	}

	if s.ATRPercentile >= t.ATRPercentileHigh {
		return domain.RegimeHighVol
	}

	return domain.RegimeUndefined
}

func hasNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
