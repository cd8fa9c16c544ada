package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/indicators"
)

// EMATrendParams parameterizes the canonical EMA-trend strategy (spec §4.6).
type EMATrendParams struct {
	FastLength, MidLength, SlowLength int // EMA9/EMA21/EMA55 triple-alignment lengths
	MACDFast, MACDSlow, MACDSignal    int
	VolumeLength                      int
	VolumeMultiple                    float64 // bar volume must exceed VolumeMultiple x its own SMA
	RSILength                        int
	RSILow, RSIHigh                  float64 // long-entry RSI band; short mirrors it around 100
	ATRLength                         int
	MaxExtensionATR                   float64 // max (close-EMA9) distance, in ATRs, before an entry is chased too far
	StopATRMultiple                   float64
	TakeProfitATRMultiple             float64
	TimeStopBars                      int // bars with no 1xATR favorable excursion before a stale entry is cut
}

// DefaultEMATrendParams mirrors spec §4.6's stated thresholds.
func DefaultEMATrendParams() EMATrendParams {
	return EMATrendParams{
		FastLength: 9, MidLength: 21, SlowLength: 55,
		MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
		VolumeLength: 20, VolumeMultiple: 1.2,
		RSILength: 14, RSILow: 50, RSIHigh: 70,
		ATRLength: 14, MaxExtensionATR: 1.2,
		StopATRMultiple: 1.5, TakeProfitATRMultiple: 3, TimeStopBars: 20,
	}
}

// EMATrend trades the EMA9>EMA21>EMA55 triple-alignment trend with MACD,
// volume, and RSI confirmation, and manages an open position with a
// structure-break, ATR-stop, ATR-take-profit, and time-stop exit (spec §4.6).
type EMATrend struct {
	params EMATrendParams
}

// NewEMATrend builds an EMATrend strategy.
func NewEMATrend(p EMATrendParams) *EMATrend {
	return &EMATrend{params: p}
}

func (e *EMATrend) ID() string { return "ema_trend" }

func (e *EMATrend) Signal(s Snapshot) domain.StrategySignal {
	closes := closesOf(s.Candles)
	highs := highsOf(s.Candles)
	lows := lowsOf(s.Candles)
	volumes := volumesOf(s.Candles)

	minLen := e.params.SlowLength + e.params.MACDSlow + e.params.MACDSignal + 5
	if len(closes) < minLen {
		return flatSignal(e.ID(), s, "insufficient history")
	}

	fastEMA := indicators.EMA(closes, e.params.FastLength)
	midEMA := indicators.EMA(closes, e.params.MidLength)
	slowEMA := indicators.EMA(closes, e.params.SlowLength)
	macd := indicators.MACD(closes, e.params.MACDFast, e.params.MACDSlow, e.params.MACDSignal)
	rsi := indicators.RSI(closes, e.params.RSILength)
	atr := indicators.ATR(highs, lows, closes, e.params.ATRLength)
	volSMA := indicators.VolumeSMA(volumes, e.params.VolumeLength)

	fast, ok1 := indicators.Last(fastEMA)
	mid, ok2 := indicators.Last(midEMA)
	slow, ok3 := indicators.Last(slowEMA)
	histLast, ok4 := indicators.Last(macd.Histogram)
	histPrev, ok5 := nthFromEnd(macd.Histogram, 1)
	rsiLast, ok6 := indicators.Last(rsi)
	atrLast, ok7 := indicators.Last(atr)
	volAvg, ok8 := indicators.Last(volSMA)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !ok8 || volAvg == 0 || atrLast == 0 {
		return flatSignal(e.ID(), s, "indicator warm-up incomplete")
	}

	ts := s.Candles[len(s.Candles)-1].TsMillis
	close := closes[len(closes)-1]
	volume := volumes[len(volumes)-1]
	volumeConfirmed := volume > e.params.VolumeMultiple*volAvg

	if exit := e.checkExit(s, close, mid, atrLast, highs, lows); exit != nil {
		return *exit
	}

	switch {
	case fast > mid && mid > slow && close > fast &&
		histLast > 0 && histLast > histPrev && volumeConfirmed &&
		rsiLast >= e.params.RSILow && rsiLast <= e.params.RSIHigh &&
		(close-fast) < e.params.MaxExtensionATR*atrLast:
		stop := decimal.NewFromFloat(close - e.params.StopATRMultiple*atrLast)
		tp := decimal.NewFromFloat(close + e.params.TakeProfitATRMultiple*atrLast)
		return domain.StrategySignal{
			StrategyID: e.ID(), TsMillis: ts, Intent: domain.IntentLong, Confidence: 0.7, TargetWeight: 1,
			Stop: &stop, TakeProfit: &tp, Reason: "EMA9>EMA21>EMA55 aligned, MACD rising, volume and RSI confirmed",
		}
	case fast < mid && mid < slow && close < fast &&
		histLast < 0 && histLast < histPrev && volumeConfirmed &&
		rsiLast <= 100-e.params.RSILow && rsiLast >= 100-e.params.RSIHigh &&
		(fast-close) < e.params.MaxExtensionATR*atrLast:
		stop := decimal.NewFromFloat(close + e.params.StopATRMultiple*atrLast)
		tp := decimal.NewFromFloat(close - e.params.TakeProfitATRMultiple*atrLast)
		return domain.StrategySignal{
			StrategyID: e.ID(), TsMillis: ts, Intent: domain.IntentShort, Confidence: 0.7, TargetWeight: -1,
			Stop: &stop, TakeProfit: &tp, Reason: "EMA9<EMA21<EMA55 aligned, MACD falling, volume and RSI confirmed",
		}
	default:
		return flatSignal(e.ID(), s, "trend conditions not met")
	}
}

// checkExit flattens an open position on structure break (close crossing
// EMA21), an ATR stop or take-profit from the recorded entry price, or a
// time-stop when price never reached a 1xATR favorable excursion within the
// trailing TimeStopBars closed bars.
func (e *EMATrend) checkExit(s Snapshot, close, midEMA, atr float64, highs, lows []float64) *domain.StrategySignal {
	pos := s.Position
	if pos.Size.IsZero() {
		return nil
	}
	entry, _ := pos.EntryPrice.Float64()

	switch pos.Side {
	case domain.PositionLong:
		switch {
		case close < midEMA:
			sig := flatSignal(e.ID(), s, "structure break: close below EMA21")
			return &sig
		case close <= entry-e.params.StopATRMultiple*atr:
			sig := flatSignal(e.ID(), s, "ATR stop hit")
			return &sig
		case close >= entry+e.params.TakeProfitATRMultiple*atr:
			sig := flatSignal(e.ID(), s, "ATR take-profit hit")
			return &sig
		case e.timeStoppedLong(highs, entry, atr):
			sig := flatSignal(e.ID(), s, "time-stop: no 1xATR favorable excursion")
			return &sig
		}
	case domain.PositionShort:
		switch {
		case close > midEMA:
			sig := flatSignal(e.ID(), s, "structure break: close above EMA21")
			return &sig
		case close >= entry+e.params.StopATRMultiple*atr:
			sig := flatSignal(e.ID(), s, "ATR stop hit")
			return &sig
		case close <= entry-e.params.TakeProfitATRMultiple*atr:
			sig := flatSignal(e.ID(), s, "ATR take-profit hit")
			return &sig
		case e.timeStoppedShort(lows, entry, atr):
			sig := flatSignal(e.ID(), s, "time-stop: no 1xATR favorable excursion")
			return &sig
		}
	}
	return nil
}

func (e *EMATrend) timeStoppedLong(highs []float64, entry, atr float64) bool {
	n := e.params.TimeStopBars
	if len(highs) < n {
		return false
	}
	for _, h := range highs[len(highs)-n:] {
		if h-entry >= atr {
			return false
		}
	}
	return true
}

func (e *EMATrend) timeStoppedShort(lows []float64, entry, atr float64) bool {
	n := e.params.TimeStopBars
	if len(lows) < n {
		return false
	}
	for _, l := range lows[len(lows)-n:] {
		if entry-l >= atr {
			return false
		}
	}
	return true
}
