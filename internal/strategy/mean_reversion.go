package strategy

import (
	"math"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/indicators"
)

// MeanReversionParams parameterizes the z-score mean-reversion strategy.
type MeanReversionParams struct {
	ZScoreLength int
	EntryZ       float64
}

// MeanReversion fades price extremes measured by rolling z-score rather than
// Bollinger Bands — a second, indicator-independent mean-reversion member so
// the RANGE regime is not served by a single strategy family
// (spec §4.6 supplemented features).
type MeanReversion struct {
	params MeanReversionParams
}

// NewMeanReversion builds a MeanReversion strategy.
func NewMeanReversion(p MeanReversionParams) *MeanReversion {
	return &MeanReversion{params: p}
}

func (r *MeanReversion) ID() string { return "mean_reversion" }

func (r *MeanReversion) Signal(s Snapshot) domain.StrategySignal {
	closes := closesOf(s.Candles)
	if len(closes) < r.params.ZScoreLength+1 {
		return flatSignal(r.ID(), s, "insufficient history")
	}

	z := indicators.RollingZScore(closes, r.params.ZScoreLength)
	last, ok := indicators.Last(z)
	if !ok {
		return flatSignal(r.ID(), s, "indicator warm-up incomplete")
	}

	ts := s.Candles[len(s.Candles)-1].TsMillis
	confidence := math.Min(1, math.Abs(last)/r.params.EntryZ*0.5)

	switch {
	case last <= -r.params.EntryZ:
		return domain.StrategySignal{StrategyID: r.ID(), TsMillis: ts, Intent: domain.IntentLong,
			Confidence: confidence, TargetWeight: 0.5, Reason: "price z-score below entry threshold"}
	case last >= r.params.EntryZ:
		return domain.StrategySignal{StrategyID: r.ID(), TsMillis: ts, Intent: domain.IntentShort,
			Confidence: confidence, TargetWeight: -0.5, Reason: "price z-score above entry threshold"}
	default:
		return flatSignal(r.ID(), s, "z-score within neutral band")
	}
}
