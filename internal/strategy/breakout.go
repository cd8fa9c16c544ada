package strategy

import (
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/indicators"
)

// BreakoutParams parameterizes the volatility-expansion breakout strategy.
type BreakoutParams struct {
	Length         int // Bollinger length the breakout is measured against
	ATRLength      int
	ATRMultiple    float64
	VolumeMultiple float64 // bar volume must exceed VolumeMultiple x its own SMA to confirm
}

// Breakout requires both a price move past the Bollinger band by more than
// ATRMultiple x ATR and above-average volume, matching the Regime
// Classifier's own BREAKOUT definition so the strategy and regime gate agree
// on what a breakout looks like (spec §4.6, §4.7).
type Breakout struct {
	params BreakoutParams
}

// NewBreakout builds a Breakout strategy.
func NewBreakout(p BreakoutParams) *Breakout {
	return &Breakout{params: p}
}

func (b *Breakout) ID() string { return "breakout" }

func (b *Breakout) Signal(s Snapshot) domain.StrategySignal {
	closes := closesOf(s.Candles)
	highs := highsOf(s.Candles)
	lows := lowsOf(s.Candles)
	volumes := volumesOf(s.Candles)

	minLen := b.params.Length + b.params.ATRLength + 5
	if len(closes) < minLen {
		return flatSignal(b.ID(), s, "insufficient history")
	}

	bands := indicators.Bollinger(closes, b.params.Length, 2)
	atr := indicators.ATR(highs, lows, closes, b.params.ATRLength)
	volSMA := indicators.VolumeSMA(volumes, b.params.Length)

	upper, ok1 := indicators.Last(bands.Upper)
	lower, ok2 := indicators.Last(bands.Lower)
	atrLast, ok3 := indicators.Last(atr)
	volAvg, ok4 := indicators.Last(volSMA)
	if !ok1 || !ok2 || !ok3 || !ok4 || volAvg == 0 {
		return flatSignal(b.ID(), s, "indicator warm-up incomplete")
	}

	close := closes[len(closes)-1]
	volume := volumes[len(volumes)-1]
	ts := s.Candles[len(s.Candles)-1].TsMillis
	volumeConfirmed := volume >= b.params.VolumeMultiple*volAvg

	switch {
	case close > upper+b.params.ATRMultiple*atrLast && volumeConfirmed:
		return domain.StrategySignal{StrategyID: b.ID(), TsMillis: ts, Intent: domain.IntentLong,
			Confidence: 0.7, TargetWeight: 1, Reason: "upside breakout confirmed by volume"}
	case close < lower-b.params.ATRMultiple*atrLast && volumeConfirmed:
		return domain.StrategySignal{StrategyID: b.ID(), TsMillis: ts, Intent: domain.IntentShort,
			Confidence: 0.7, TargetWeight: -1, Reason: "downside breakout confirmed by volume"}
	default:
		return flatSignal(b.ID(), s, "no confirmed breakout")
	}
}
