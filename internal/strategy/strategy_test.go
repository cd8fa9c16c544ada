package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/strategy"
)

func dec(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func ftoa(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func makeCandles(n int, fn func(i int) float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		price := fn(i)
		out[i] = domain.Candle{
			Symbol: "BTC-USDT-SWAP", Timeframe: domain.Timeframe1h, TsMillis: int64(i) * domain.Timeframe1h.Millis(),
			Open: dec(ftoa(price)), High: dec(ftoa(price * 1.001)), Low: dec(ftoa(price * 0.999)),
			Close: dec(ftoa(price)), Volume: dec("100"),
		}
	}
	return out
}

// makeCandlesWithVolume is makeCandles with a per-bar volume function, used
// by tests that need to clear ema_trend's volume-confirmation filter.
func makeCandlesWithVolume(n int, priceFn func(i int) float64, volumeFn func(i int) float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		price := priceFn(i)
		out[i] = domain.Candle{
			Symbol: "BTC-USDT-SWAP", Timeframe: domain.Timeframe1h, TsMillis: int64(i) * domain.Timeframe1h.Millis(),
			Open: dec(ftoa(price)), High: dec(ftoa(price * 1.001)), Low: dec(ftoa(price * 0.999)),
			Close: dec(ftoa(price)), Volume: dec(ftoa(volumeFn(i))),
		}
	}
	return out
}

// testEMATrendParams uses short lengths and loose confirmation bands so a
// hand-built candle series can deterministically clear every entry filter
// (spec §4.6), while keeping the filters themselves genuinely exercised
// rather than disabled outright.
func testEMATrendParams() strategy.EMATrendParams {
	return strategy.EMATrendParams{
		FastLength: 3, MidLength: 7, SlowLength: 15,
		MACDFast: 3, MACDSlow: 7, MACDSignal: 3,
		VolumeLength: 5, VolumeMultiple: 1.01,
		RSILength: 7, RSILow: 20, RSIHigh: 99.9,
		ATRLength: 7, MaxExtensionATR: 20,
		StopATRMultiple: 1.5, TakeProfitATRMultiple: 3, TimeStopBars: 10,
	}
}

// emaTrendUptrendPrices is a 60-bar series: a flat base (with one loss bar at
// i=20, so Wilder's RSI never saturates at its 100 ceiling), followed by a
// steady climb from i=40 with a second loss bar at i=53 close enough to the
// end to keep RSI off its ceiling there too, and a clean run of gains into
// the final bar to drive MACD's histogram into a fresh rising phase.
func emaTrendUptrendPrices() func(i int) float64 {
	price := 100.0
	return func(i int) float64 {
		switch {
		case i == 20:
			price -= 2
		case i < 40:
			// flat base, no case above
		case i == 53:
			price -= 3
		default:
			price += 1.5
		}
		return price
	}
}

func TestEMATrendGoesLongOnSustainedUptrend(t *testing.T) {
	candles := makeCandlesWithVolume(60, emaTrendUptrendPrices(), func(i int) float64 {
		if i == 59 {
			return 300
		}
		return 100
	})
	s := strategy.Snapshot{Symbol: "BTC-USDT-SWAP", Timeframe: domain.Timeframe1h, Candles: candles}
	strat := strategy.NewEMATrend(testEMATrendParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentLong, sig.Intent)
	require.Greater(t, sig.TargetWeight, 0.0)
	require.NotNil(t, sig.Stop)
	require.NotNil(t, sig.TakeProfit)
}

func TestEMATrendFlatOnInsufficientHistory(t *testing.T) {
	s := strategy.Snapshot{Candles: makeCandles(5, func(i int) float64 { return 100 })}
	strat := strategy.NewEMATrend(testEMATrendParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
}

func TestEMATrendExitsOnStructureBreak(t *testing.T) {
	candles := makeCandlesWithVolume(60, emaTrendUptrendPrices(), func(i int) float64 { return 100 })
	// A sharp last-3-bar drop well below EMA21, regardless of the trend
	// that preceded it.
	for i := len(candles) - 3; i < len(candles); i++ {
		candles[i].Open = dec("50")
		candles[i].High = dec("51")
		candles[i].Low = dec("49")
		candles[i].Close = dec("50")
	}
	s := strategy.Snapshot{
		Candles:  candles,
		Position: domain.Position{Side: domain.PositionLong, Size: dec("1"), EntryPrice: dec("120")},
	}
	strat := strategy.NewEMATrend(testEMATrendParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
	require.Contains(t, sig.Reason, "structure break")
}

// testBollingerRangeParams loosens the regime gates (ADX, band width) so the
// test can exercise the z-score/RSI oversold entry deterministically without
// hand-computing an ADX or band-width value.
func testBollingerRangeParams() strategy.BollingerRangeParams {
	return strategy.BollingerRangeParams{
		Length: 10, StdDev: 2, ADXLength: 5, MaxADX: 100, MaxBandWidth: 10, EntryZ: 1,
		RSILength: 5, RSILow: 80, RSIHigh: 20, ATRLength: 5,
		StopATRMultiple: 1.5, StopPercent: 0.02, TimeStopBars: 5,
	}
}

func TestBollingerRangeLongsOnOversoldDip(t *testing.T) {
	n := 40
	candles := makeCandles(n, func(i int) float64 {
		if i == n-1 {
			return 85 // sharp dip drives z well past -EntryZ on the last bar
		}
		return 100
	})
	s := strategy.Snapshot{Candles: candles}
	strat := strategy.NewBollingerRange(testBollingerRangeParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentLong, sig.Intent)
	require.NotNil(t, sig.Stop)
}

func TestBollingerRangeExitsAtMidline(t *testing.T) {
	candles := makeCandles(40, func(i int) float64 { return 100 })
	s := strategy.Snapshot{
		Candles:  candles,
		Position: domain.Position{Side: domain.PositionLong, Size: dec("1"), EntryPrice: dec("90")},
	}
	strat := strategy.NewBollingerRange(testBollingerRangeParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
	require.Contains(t, sig.Reason, "midline")
}

func testFundingArbParams() strategy.FundingArbParams {
	return strategy.FundingArbParams{
		MinRate: 0.0003, MinSustainedPeriods: 2, MaxEntryBasis: 0.005,
		ExitFundingFloor: 0.0005, ExitBasis: 0.015, RebalanceDelta: 0.02, Weight: 0.4,
	}
}

func TestFundingArbShortsOnSustainedPositiveFundingWithinBasis(t *testing.T) {
	s := strategy.Snapshot{
		Candles: makeCandles(5, func(i int) float64 { return 100 }),
		Funding: []domain.FundingRate{{Rate: dec("0.001")}, {Rate: dec("0.0012")}, {Rate: dec("0.0009")}},
		Prices:  &domain.PriceSnapshot{Symbol: "BTC-USDT-SWAP", Last: dec("100"), Mark: dec("100.1"), Index: dec("100")},
	}
	strat := strategy.NewFundingArb(testFundingArbParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentShort, sig.Intent)
	require.InDelta(t, -0.4, sig.TargetWeight, 1e-9)
}

func TestFundingArbFlatWhenFundingNotSustained(t *testing.T) {
	s := strategy.Snapshot{
		Candles: makeCandles(5, func(i int) float64 { return 100 }),
		Funding: []domain.FundingRate{{Rate: dec("0.001")}, {Rate: dec("-0.0005")}},
		Prices:  &domain.PriceSnapshot{Mark: dec("100"), Index: dec("100")},
	}
	strat := strategy.NewFundingArb(testFundingArbParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
}

func TestFundingArbFlatWhenBasisTooWide(t *testing.T) {
	s := strategy.Snapshot{
		Candles: makeCandles(5, func(i int) float64 { return 100 }),
		Funding: []domain.FundingRate{{Rate: dec("0.001")}, {Rate: dec("0.0012")}},
		Prices:  &domain.PriceSnapshot{Mark: dec("101"), Index: dec("100")},
	}
	strat := strategy.NewFundingArb(testFundingArbParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
	require.Contains(t, sig.Reason, "basis")
}

func TestFundingArbExitsWhenFundingDecays(t *testing.T) {
	s := strategy.Snapshot{
		Candles:  makeCandles(5, func(i int) float64 { return 100 }),
		Funding:  []domain.FundingRate{{Rate: dec("0.0003")}},
		Position: domain.Position{Side: domain.PositionShort, Size: dec("1"), EntryPrice: dec("100")},
	}
	strat := strategy.NewFundingArb(testFundingArbParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
	require.Contains(t, sig.Reason, "funding decayed")
}

func TestFundingArbExitsWhenBasisWidens(t *testing.T) {
	s := strategy.Snapshot{
		Candles:  makeCandles(5, func(i int) float64 { return 100 }),
		Funding:  []domain.FundingRate{{Rate: dec("0.001")}},
		Prices:   &domain.PriceSnapshot{Mark: dec("102"), Index: dec("100")},
		Position: domain.Position{Side: domain.PositionShort, Size: dec("1"), EntryPrice: dec("100")},
	}
	strat := strategy.NewFundingArb(testFundingArbParams())
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
	require.Contains(t, sig.Reason, "basis widened")
}

func TestMomentumLongsOnStrongTrailingReturn(t *testing.T) {
	s := strategy.Snapshot{Candles: makeCandles(20, func(i int) float64 { return 100 + float64(i)*2 })}
	strat := strategy.NewMomentum(strategy.MomentumParams{Length: 10, MinReturn: 0.01})
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentLong, sig.Intent)
}

func TestMeanReversionShortsOnHighZScore(t *testing.T) {
	candles := makeCandles(30, func(i int) float64 {
		if i == 29 {
			return 140
		}
		return 100
	})
	s := strategy.Snapshot{Candles: candles}
	strat := strategy.NewMeanReversion(strategy.MeanReversionParams{ZScoreLength: 20, EntryZ: 1.5})
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentShort, sig.Intent)
}

func TestBreakoutFlatWithoutVolumeConfirmation(t *testing.T) {
	candles := makeCandles(60, func(i int) float64 {
		if i == 59 {
			return 130 // price breaks out but volume (fixed at 100 in makeCandles) does not
		}
		return 100
	})
	s := strategy.Snapshot{Candles: candles}
	strat := strategy.NewBreakout(strategy.BreakoutParams{Length: 20, ATRLength: 14, ATRMultiple: 1.5, VolumeMultiple: 1.5})
	sig := strat.Signal(s)
	require.Equal(t, domain.IntentFlat, sig.Intent)
}

func TestDefaultRegistryHasAllStrategies(t *testing.T) {
	r := strategy.DefaultRegistry()
	for _, id := range []string{"ema_trend", "bollinger_range", "breakout", "funding_arb", "momentum", "mean_reversion"} {
		_, ok := r.Get(id)
		require.True(t, ok, "expected strategy %s to be registered", id)
	}
}

func TestRegistrySignalErrorsOnUnknownID(t *testing.T) {
	r := strategy.NewRegistry()
	_, err := r.Signal("nope", strategy.Snapshot{})
	require.Error(t, err)
}
