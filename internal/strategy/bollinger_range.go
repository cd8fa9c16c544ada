package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/indicators"
)

// BollingerRangeParams parameterizes the canonical Bollinger mean-reversion
// range strategy (spec §4.6).
type BollingerRangeParams struct {
	Length          int // Bollinger length and z-score window
	StdDev          float64
	ADXLength       int
	MaxADX          float64 // entries require ADX below this (range, not trend)
	MaxBandWidth    float64 // entries require (Upper-Lower)/Middle below this
	EntryZ          float64 // abs(z) must reach this to enter
	RSILength       int
	RSILow, RSIHigh float64 // RSI must clear RSILow (long) or RSIHigh (short)
	ATRLength       int
	StopATRMultiple float64
	StopPercent     float64 // fallback stop distance when ATR is unavailable
	TimeStopBars    int     // bars with no reversion toward the midline before a stale entry is cut
}

// DefaultBollingerRangeParams mirrors spec §4.6's stated thresholds.
func DefaultBollingerRangeParams() BollingerRangeParams {
	return BollingerRangeParams{
		Length: 20, StdDev: 2, ADXLength: 14, MaxADX: 18, MaxBandWidth: 0.05, EntryZ: 2,
		RSILength: 14, RSILow: 35, RSIHigh: 65, ATRLength: 14,
		StopATRMultiple: 1.5, StopPercent: 0.02, TimeStopBars: 20,
	}
}

// BollingerRange fades price back toward the middle band in a confirmed
// range regime: long when ADX and band width are both low and price is an
// oversold z-score/RSI extreme below the lower band, short on the mirror
// case. An open position exits at the midline, at z crossing back through
// zero, on an ATR-or-percentage stop, or on a time-stop (spec §4.6).
type BollingerRange struct {
	params BollingerRangeParams
}

// NewBollingerRange builds a BollingerRange strategy.
func NewBollingerRange(p BollingerRangeParams) *BollingerRange {
	return &BollingerRange{params: p}
}

func (b *BollingerRange) ID() string { return "bollinger_range" }

func (b *BollingerRange) Signal(s Snapshot) domain.StrategySignal {
	closes := closesOf(s.Candles)
	highs := highsOf(s.Candles)
	lows := lowsOf(s.Candles)

	minLen := b.params.Length + 2*b.params.ADXLength + 5
	if len(closes) < minLen {
		return flatSignal(b.ID(), s, "insufficient history")
	}

	bands := indicators.Bollinger(closes, b.params.Length, b.params.StdDev)
	zSeries := indicators.RollingZScore(closes, b.params.Length)
	adx := indicators.ADX(highs, lows, closes, b.params.ADXLength)
	rsi := indicators.RSI(closes, b.params.RSILength)
	atr := indicators.ATR(highs, lows, closes, b.params.ATRLength)

	middle, ok1 := indicators.Last(bands.Middle)
	width, ok2 := indicators.Last(bands.Width)
	zLast, ok3 := indicators.Last(zSeries)
	adxLast, ok4 := indicators.Last(adx)
	rsiLast, ok5 := indicators.Last(rsi)
	atrLast, ok6 := indicators.Last(atr)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return flatSignal(b.ID(), s, "indicator warm-up incomplete")
	}

	ts := s.Candles[len(s.Candles)-1].TsMillis
	close := closes[len(closes)-1]

	if exit := b.checkExit(s, close, middle, zLast, atrLast, zSeries); exit != nil {
		return *exit
	}

	switch {
	case adxLast < b.params.MaxADX && width < b.params.MaxBandWidth &&
		zLast <= -b.params.EntryZ && rsiLast < b.params.RSILow:
		stop := b.stopPrice(close, atrLast, true)
		return domain.StrategySignal{
			StrategyID: b.ID(), TsMillis: ts, Intent: domain.IntentLong, Confidence: 0.6, TargetWeight: 0.6,
			Stop: &stop, Reason: "range regime, band squeeze, oversold z-score and RSI",
		}
	case adxLast < b.params.MaxADX && width < b.params.MaxBandWidth &&
		zLast >= b.params.EntryZ && rsiLast > b.params.RSIHigh:
		stop := b.stopPrice(close, atrLast, false)
		return domain.StrategySignal{
			StrategyID: b.ID(), TsMillis: ts, Intent: domain.IntentShort, Confidence: 0.6, TargetWeight: -0.6,
			Stop: &stop, Reason: "range regime, band squeeze, overbought z-score and RSI",
		}
	default:
		return flatSignal(b.ID(), s, "range entry conditions not met")
	}
}

// checkExit flattens an open position at the midline, when z crosses back
// through zero, on an ATR-or-percentage stop from the entry price, or on a
// time-stop when the trailing TimeStopBars bars never revert meaningfully
// back toward zero.
func (b *BollingerRange) checkExit(s Snapshot, close, middle, z, atr float64, zSeries []float64) *domain.StrategySignal {
	pos := s.Position
	if pos.Size.IsZero() {
		return nil
	}
	entry, _ := pos.EntryPrice.Float64()

	switch pos.Side {
	case domain.PositionLong:
		switch {
		case close >= middle:
			sig := flatSignal(b.ID(), s, "reverted to midline")
			return &sig
		case z >= 0:
			sig := flatSignal(b.ID(), s, "z-score reverted through zero")
			return &sig
		case b.stopHit(close, entry, atr, true):
			sig := flatSignal(b.ID(), s, "stop hit")
			return &sig
		case b.timeStopped(zSeries, -1):
			sig := flatSignal(b.ID(), s, "time-stop: no reversion toward the midline")
			return &sig
		}
	case domain.PositionShort:
		switch {
		case close <= middle:
			sig := flatSignal(b.ID(), s, "reverted to midline")
			return &sig
		case z <= 0:
			sig := flatSignal(b.ID(), s, "z-score reverted through zero")
			return &sig
		case b.stopHit(close, entry, atr, false):
			sig := flatSignal(b.ID(), s, "stop hit")
			return &sig
		case b.timeStopped(zSeries, 1):
			sig := flatSignal(b.ID(), s, "time-stop: no reversion toward the midline")
			return &sig
		}
	}
	return nil
}

func (b *BollingerRange) stopPrice(close, atr float64, long bool) decimal.Decimal {
	dist := b.params.StopPercent * close
	if atr > 0 {
		dist = b.params.StopATRMultiple * atr
	}
	if long {
		return decimal.NewFromFloat(close - dist)
	}
	return decimal.NewFromFloat(close + dist)
}

func (b *BollingerRange) stopHit(close, entry, atr float64, long bool) bool {
	dist := b.params.StopPercent * entry
	if atr > 0 {
		dist = b.params.StopATRMultiple * atr
	}
	if long {
		return close <= entry-dist
	}
	return close >= entry+dist
}

// timeStopped reports whether, across the trailing TimeStopBars bars, the
// z-score never crossed back past `bound` toward zero (bound is -1 for a
// long position reverting upward, 1 for a short position reverting downward).
func (b *BollingerRange) timeStopped(zSeries []float64, bound float64) bool {
	n := b.params.TimeStopBars
	if len(zSeries) < n {
		return false
	}
	window := zSeries[len(zSeries)-n:]
	for _, v := range window {
		if bound < 0 && v >= bound {
			return false
		}
		if bound > 0 && v <= bound {
			return false
		}
	}
	return true
}
