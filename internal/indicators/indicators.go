// Package indicators computes the technical-analysis series the Strategy
// Library and Regime Classifier read from (spec §4.6, §4.7). Every function
// returns a full-length series aligned to its input index, with the warm-up
// prefix set to math.NaN() rather than truncated, so callers can always
// index a series by the same bar offset as the candle slice it was derived
// from (spec §4.5's "never persist or act on an incomplete trailing bar"
// discipline extends to indicator alignment too).
//
// Grounded on trader/pkg/formulas and trader-go/pkg/formulas (CalculateEMA,
// CalculateRSI, CalculateBollingerBands, Mean/StdDev), generalized from
// single-latest-value helpers to full series since the Regime Classifier and
// backtest engine both need a value at every bar, not just the newest one.
package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// padNaN overwrites the first n entries of s with NaN, guarding against n
// exceeding len(s).
func padNaN(s []float64, n int) []float64 {
	if n > len(s) {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		s[i] = math.NaN()
	}
	return s
}

// EMA is the exponential moving average over length periods.
func EMA(closes []float64, length int) []float64 {
	if len(closes) == 0 || length <= 0 {
		return nil
	}
	out := talib.Ema(closes, length)
	return padNaN(out, length-1)
}

// SMA is the simple moving average over length periods.
func SMA(values []float64, length int) []float64 {
	if len(values) == 0 || length <= 0 {
		return nil
	}
	out := talib.Sma(values, length)
	return padNaN(out, length-1)
}

// RSI is the Wilder relative strength index (default period 14).
func RSI(closes []float64, length int) []float64 {
	if len(closes) == 0 || length <= 0 {
		return nil
	}
	out := talib.Rsi(closes, length)
	return padNaN(out, length)
}

// MACDResult holds the MACD line, its signal line, and their difference.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the standard 12/26/9 moving-average-convergence-divergence
// triple (spec §4.6 default strategy parameters).
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	if len(closes) == 0 {
		return MACDResult{}
	}
	m, s, h := talib.Macd(closes, fast, slow, signal)
	warmup := slow + signal - 2
	return MACDResult{
		MACD:      padNaN(m, warmup),
		Signal:    padNaN(s, warmup),
		Histogram: padNaN(h, warmup),
	}
}

// BollingerResult holds the three Bollinger Bands plus the normalized width
// the Regime Classifier reads (spec §4.7: "BB-width").
type BollingerResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
	Width  []float64 // (Upper-Lower)/Middle, the regime classifier's BB-width signal
}

// Bollinger computes Bollinger Bands (default length 20, 2 standard
// deviations) and the normalized band width.
func Bollinger(closes []float64, length int, stdDevMultiplier float64) BollingerResult {
	if len(closes) == 0 || length <= 0 {
		return BollingerResult{}
	}
	upper, middle, lower := talib.BBands(closes, length, stdDevMultiplier, stdDevMultiplier, 0)
	width := make([]float64, len(closes))
	for i := range width {
		if middle[i] == 0 {
			width[i] = math.NaN()
			continue
		}
		width[i] = (upper[i] - lower[i]) / middle[i]
	}
	return BollingerResult{
		Upper:  padNaN(upper, length-1),
		Middle: padNaN(middle, length-1),
		Lower:  padNaN(lower, length-1),
		Width:  padNaN(width, length-1),
	}
}

// ATR is Wilder's average true range (default period 14).
func ATR(highs, lows, closes []float64, length int) []float64 {
	if len(closes) == 0 || length <= 0 {
		return nil
	}
	out := talib.Atr(highs, lows, closes, length)
	return padNaN(out, length)
}

// ATRPercent expresses ATR as a fraction of the close price, the form the
// Regime Classifier thresholds against (spec §4.7: "ATR%").
func ATRPercent(highs, lows, closes []float64, length int) []float64 {
	atr := ATR(highs, lows, closes, length)
	out := make([]float64, len(closes))
	for i := range out {
		if math.IsNaN(atr[i]) || closes[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = atr[i] / closes[i]
	}
	return out
}

// ATRPercentile ranks each ATR% value against its own trailing window,
// returning a 0..1 percentile rank. Used by the Regime Classifier's HIGH_VOL
// threshold, which is defined relative to recent history rather than an
// absolute constant.
func ATRPercentile(atrPct []float64, window int) []float64 {
	out := make([]float64, len(atrPct))
	for i := range out {
		if i < window-1 || math.IsNaN(atrPct[i]) {
			out[i] = math.NaN()
			continue
		}
		lo := i - window + 1
		below := 0
		total := 0
		for j := lo; j <= i; j++ {
			if math.IsNaN(atrPct[j]) {
				continue
			}
			total++
			if atrPct[j] <= atrPct[i] {
				below++
			}
		}
		if total == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = float64(below) / float64(total)
	}
	return out
}

// ADX is Wilder's average directional index (default period 14), the
// Regime Classifier's trend-strength signal.
func ADX(highs, lows, closes []float64, length int) []float64 {
	if len(closes) == 0 || length <= 0 {
		return nil
	}
	out := talib.Adx(highs, lows, closes, length)
	return padNaN(out, 2*length-1)
}

// EMASlope is the fractional change of an EMA series over `lookback` bars,
// the Regime Classifier's trend-direction signal.
func EMASlope(ema []float64, lookback int) []float64 {
	out := make([]float64, len(ema))
	for i := range out {
		if i < lookback || math.IsNaN(ema[i]) || math.IsNaN(ema[i-lookback]) || ema[i-lookback] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (ema[i] - ema[i-lookback]) / ema[i-lookback]
	}
	return out
}

// VolumeSMA is the simple moving average of bar volume, used by breakout
// strategies to require above-average participation (spec §4.6).
func VolumeSMA(volumes []float64, length int) []float64 {
	return SMA(volumes, length)
}

// RollingZScore standardizes each value against its own trailing window
// using gonum/stat, the form several strategies use to detect
// mean-reversion extremes (spec §4.6).
func RollingZScore(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		w := values[i-window+1 : i+1]
		mean := stat.Mean(w, nil)
		std := stat.StdDev(w, nil)
		if std == 0 {
			out[i] = 0
			continue
		}
		out[i] = (values[i] - mean) / std
	}
	return out
}

// Last returns the final non-NaN value in s, or (0, false) if none exists.
func Last(s []float64) (float64, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if !math.IsNaN(s[i]) {
			return s[i], true
		}
	}
	return 0, false
}
