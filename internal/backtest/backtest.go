// Package backtest implements the Backtest Engine (spec §4.13): a
// deterministic bar-by-bar replay that shares the Strategy Library and
// Regime Classifier with the live decision path but substitutes an
// in-memory fill simulator for the Executor and Reconciliation Loops.
//
// Grounded on the teacher's `TradingService.RunBacktest`-style replay loop
// (internal/modules/trading/service.go) generalized from the teacher's
// single-asset daily-bar equities replay to arbitrary-timeframe perpetual
// futures with funding accrual, and on pkg/formulas' metric calculations
// (CalculateSharpeRatio, CalculateMaxDrawdown, CalculateCAGR), applied here
// per-bar instead of per-day via Timeframe.BarsPerYear.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/indicators"
	"github.com/aristath/perpcore/internal/regime"
	"github.com/aristath/perpcore/internal/strategy"
)

// minWarmupBars is how many leading bars the indicator stack consumes
// before a decision is trusted; bars before this are loaded for context but
// never traded on.
const minWarmupBars = 60

// IndicatorConfig parameterizes the regime-classification indicators
// computed at each bar close, independent of whatever lengths the traded
// strategy itself uses internally.
type IndicatorConfig struct {
	ADXLength           int
	BBLength            int
	BBStdDev            float64
	ATRLength           int
	ATRPercentileWindow int
	EMASlopeLength      int
	EMASlopeLookback    int
}

// DefaultIndicatorConfig mirrors regime.DefaultThresholds' implied lengths.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		ADXLength: 14, BBLength: 20, BBStdDev: 2, ATRLength: 14,
		ATRPercentileWindow: 100, EMASlopeLength: 50, EMASlopeLookback: 5,
	}
}

// Request is a BacktestRequest (spec §4.13): symbol, timeframe, date range,
// starting capital, the single strategy_id under test, and execution/risk
// config.
type Request struct {
	Symbol           string
	Timeframe        domain.Timeframe
	StartTs          int64
	EndTs            int64
	InitialCapital   decimal.Decimal
	StrategyID       string
	FeeRate          decimal.Decimal // fraction, e.g. 0.0005
	SlippageBps      decimal.Decimal
	Leverage         float64 // max gross position as a multiple of equity
	DiffThresholdBps float64 // minimum rebalance size before a fill is simulated
	FundingEnabled   bool
	Thresholds       regime.Thresholds
}

// Engine replays candles through the shared strategy/regime path and an
// in-memory fill simulator (spec §4.13: "shares C3-C10" with live trading,
// replacing only the Executor and Reconciliation Loops).
type Engine struct {
	Data       *dataservice.Service
	Strategies *strategy.Registry
	log        zerolog.Logger
}

// New builds an Engine.
func New(data *dataservice.Service, strategies *strategy.Registry, log zerolog.Logger) *Engine {
	return &Engine{Data: data, Strategies: strategies, log: log.With().Str("component", "backtest").Logger()}
}

// positionState tracks the in-memory account the replay loop mutates bar by
// bar; EntryTs/EntryPrice describe the currently open lot, if any.
type positionState struct {
	SignedSize decimal.Decimal
	EntryPrice decimal.Decimal
	EntryTs    int64
}

type plannedTrade struct {
	side     domain.OrderSide
	notional decimal.Decimal
}

// Run executes one backtest and returns the persisted BacktestRun.
func (e *Engine) Run(ctx context.Context, req Request, ic IndicatorConfig) (*domain.BacktestRun, error) {
	if _, ok := e.Strategies.Get(req.StrategyID); !ok {
		return nil, fmt.Errorf("backtest: unknown strategy_id %q", req.StrategyID)
	}
	if req.EndTs <= req.StartTs {
		return nil, fmt.Errorf("backtest: end_ts must be after start_ts")
	}
	if req.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("backtest: initial_capital must be positive")
	}

	candles, err := e.Data.GetCandlesRange(ctx, req.Symbol, req.Timeframe, req.StartTs, req.EndTs)
	if err != nil {
		return nil, fmt.Errorf("backtest: load candles: %w", err)
	}
	if len(candles) < minWarmupBars+2 {
		return nil, fmt.Errorf("backtest: need at least %d candles, got %d", minWarmupBars+2, len(candles))
	}

	var funding []domain.FundingRate
	if req.FundingEnabled {
		funding, err = e.Data.GetRecentFunding(ctx, req.Symbol, 100000)
		if err != nil {
			return nil, fmt.Errorf("backtest: load funding: %w", err)
		}
	}
	fundingIdx := 0

	runID := uuid.NewString()

	equity := req.InitialCapital
	pos := positionState{SignedSize: decimal.Zero, EntryPrice: decimal.Zero}
	var pending *plannedTrade

	var curve []EquityPoint
	var trades []domain.BacktestTrade
	var positions []domain.BacktestPosition
	var decisions []domain.BacktestDecision
	fundingPnl := decimal.Zero
	peak := req.InitialCapital

	for i := minWarmupBars; i < len(candles); i++ {
		bar := candles[i]

		if pending != nil {
			fillPrice := slippageAdjusted(bar.Open, req.SlippageBps, pending.side)
			qty := pending.notional.Div(fillPrice)
			if !qty.IsZero() {
				fee, closed := applyFill(&pos, pending.side, qty, fillPrice, req.FeeRate, bar.TsMillis, runID, req.Symbol)
				equity = equity.Sub(fee)
				for _, t := range closed {
					equity = equity.Add(t.RealizedPnl)
					trades = append(trades, t)
				}
			}
			pending = nil
		}

		if req.FundingEnabled && !pos.SignedSize.IsZero() {
			for fundingIdx < len(funding) && funding[fundingIdx].TsMillis <= bar.TsMillis {
				payment := pos.SignedSize.Mul(bar.Close).Mul(funding[fundingIdx].Rate).Neg()
				equity = equity.Add(payment)
				fundingPnl = fundingPnl.Add(payment)
				fundingIdx++
			}
		}

		unrealized := pos.SignedSize.Mul(bar.Close.Sub(pos.EntryPrice))
		markEquity := equity.Add(unrealized)
		if markEquity.GreaterThan(peak) {
			peak = markEquity
		}
		drawdown := 0.0
		if peak.IsPositive() {
			drawdown, _ = peak.Sub(markEquity).Div(peak).Float64()
		}
		markF, _ := markEquity.Float64()
		curve = append(curve, EquityPoint{TsMillis: bar.TsMillis, Equity: markF, Drawdown: drawdown})

		positions = append(positions, domain.BacktestPosition{
			RunID: runID, TsMillis: bar.TsMillis, Side: positionSideOf(pos.SignedSize),
			Size: pos.SignedSize.Abs(), Equity: markEquity,
		})

		window := candles[:i+1]
		snap := strategy.Snapshot{
			Symbol: req.Symbol, Timeframe: req.Timeframe, Candles: window,
			Position: positionOf(req.Symbol, pos),
		}
		signal, err := e.Strategies.Signal(req.StrategyID, snap)
		if err != nil {
			return nil, fmt.Errorf("backtest: strategy signal at bar %d: %w", bar.TsMillis, err)
		}

		reg := ClassifyRegime(window, ic, req.Thresholds)
		targetFraction := clamp(signal.TargetWeight, -1, 1) * req.Leverage

		decisions = append(decisions, domain.BacktestDecision{
			RunID: runID, TsMillis: bar.TsMillis, Regime: reg,
			TotalPosition: targetFraction, Confidence: signal.Confidence,
		})

		if i == len(candles)-1 || markEquity.LessThanOrEqual(decimal.Zero) {
			continue
		}

		currentNotional := pos.SignedSize.Mul(bar.Close)
		targetNotional := decimal.NewFromFloat(targetFraction).Mul(markEquity)
		diff := targetNotional.Sub(currentNotional)
		if diff.IsZero() {
			continue
		}
		diffBps, _ := diff.Abs().Div(markEquity).Mul(decimal.NewFromInt(10000)).Float64()
		if diffBps < req.DiffThresholdBps {
			continue
		}

		side := domain.SideBuy
		if diff.IsNegative() {
			side = domain.SideSell
		}
		pending = &plannedTrade{side: side, notional: diff.Abs()}
	}

	metrics := ComputeMetrics(req.Timeframe, curve, trades, fundingPnlFloat(fundingPnl))

	paramsJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("backtest: marshal params: %w", err)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("backtest: marshal metrics: %w", err)
	}
	curveJSON, err := json.Marshal(curve)
	if err != nil {
		return nil, fmt.Errorf("backtest: marshal equity curve: %w", err)
	}

	run := domain.BacktestRun{
		RunID: runID, Symbol: req.Symbol, Timeframe: req.Timeframe,
		StartTs: req.StartTs, EndTs: req.EndTs, InitialCapital: req.InitialCapital,
		ParamsJSON: string(paramsJSON), MetricsJSON: string(metricsJSON), EquityCurveJSON: string(curveJSON),
		SchemaVersion: 1,
	}

	e.log.Info().Str("run_id", runID).Int("trades", len(trades)).Float64("total_return", metrics.TotalReturn).
		Msg("backtest run complete")

	return &run, nil
}

func fundingPnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func slippageAdjusted(price, slippageBps decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	adj := price.Mul(slippageBps).Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func positionSideOf(signedSize decimal.Decimal) domain.PositionSide {
	switch {
	case signedSize.IsPositive():
		return domain.PositionLong
	case signedSize.IsNegative():
		return domain.PositionShort
	default:
		return domain.PositionFlat
	}
}

func positionOf(symbol string, pos positionState) domain.Position {
	return domain.Position{
		Symbol: symbol, Side: positionSideOf(pos.SignedSize), Size: pos.SignedSize.Abs(),
		EntryPrice: pos.EntryPrice,
	}
}

// applyFill mutates pos in place for one simulated order and returns the
// fee charged plus any BacktestTrade rows produced by fully or partially
// closing the prior lot. Grounded on venue.Simulated.applyFill's
// signed-size bookkeeping, extended with paired entry/exit trade records
// since the live Executor has no equivalent need for round-trip pairing.
func applyFill(pos *positionState, side domain.OrderSide, qty, fillPrice, feeRate decimal.Decimal, tsMillis int64, runID, symbol string) (decimal.Decimal, []domain.BacktestTrade) {
	fee := qty.Mul(fillPrice).Mul(feeRate)
	signedDelta := qty
	if side == domain.SideSell {
		signedDelta = qty.Neg()
	}

	if pos.SignedSize.IsZero() {
		pos.SignedSize = signedDelta
		pos.EntryPrice = fillPrice
		pos.EntryTs = tsMillis
		return fee, nil
	}

	sameSign := pos.SignedSize.Sign() == signedDelta.Sign()
	if sameSign {
		totalCost := pos.EntryPrice.Mul(pos.SignedSize.Abs()).Add(fillPrice.Mul(signedDelta.Abs()))
		newSize := pos.SignedSize.Add(signedDelta)
		pos.EntryPrice = totalCost.Div(newSize.Abs())
		pos.SignedSize = newSize
		return fee, nil
	}

	closingQty := decimal.Min(pos.SignedSize.Abs(), signedDelta.Abs())
	dirSign := decimal.NewFromInt(int64(pos.SignedSize.Sign()))
	pnl := closingQty.Mul(fillPrice.Sub(pos.EntryPrice)).Mul(dirSign)
	closingFee := fee.Mul(closingQty).Div(qty)
	returnPct := 0.0
	if base := closingQty.Mul(pos.EntryPrice); base.IsPositive() {
		returnPct, _ = pnl.Div(base).Float64()
	}

	trade := domain.BacktestTrade{
		RunID: runID, Symbol: symbol, Side: side,
		EntryTs: pos.EntryTs, ExitTs: tsMillis,
		EntryPrice: pos.EntryPrice, ExitPrice: fillPrice, Amount: closingQty,
		Fee: closingFee, RealizedPnl: pnl.Sub(closingFee), ReturnPct: returnPct,
	}

	newSize := pos.SignedSize.Add(signedDelta)
	switch {
	case newSize.IsZero():
		pos.SignedSize = decimal.Zero
		pos.EntryPrice = decimal.Zero
	case newSize.Sign() != pos.SignedSize.Sign():
		pos.SignedSize = newSize
		pos.EntryPrice = fillPrice
		pos.EntryTs = tsMillis
	default:
		pos.SignedSize = newSize
	}

	return fee, []domain.BacktestTrade{trade}
}

// ClassifyRegime recomputes every indicator classify needs over window
// (oldest-first) and returns the current regime label. Exported so the live
// decision cycle (internal/daemon) can classify off the same bar window the
// backtest replay uses, rather than maintaining a second implementation.
func ClassifyRegime(window []domain.Candle, ic IndicatorConfig, th regime.Thresholds) domain.Regime {
	closes := closesOf(window)
	highs := highsOf(window)
	lows := lowsOf(window)

	ema := indicators.EMA(closes, ic.EMASlopeLength)
	slope := indicators.EMASlope(ema, ic.EMASlopeLookback)
	adx := indicators.ADX(highs, lows, closes, ic.ADXLength)
	bb := indicators.Bollinger(closes, ic.BBLength, ic.BBStdDev)
	atr := indicators.ATR(highs, lows, closes, ic.ATRLength)
	atrPct := indicators.ATRPercent(highs, lows, closes, ic.ATRLength)
	atrPctile := indicators.ATRPercentile(atrPct, ic.ATRPercentileWindow)

	slopeLast := lastOrNaN(slope)
	adxLast := lastOrNaN(adx)
	bbWidthLast := lastOrNaN(bb.Width)
	bbUpperLast := lastOrNaN(bb.Upper)
	bbLowerLast := lastOrNaN(bb.Lower)
	atrLast := lastOrNaN(atr)
	atrPctileLast := lastOrNaN(atrPctile)

	snap := regime.Snapshot{
		Close: closes[len(closes)-1], ADX: adxLast, BBWidth: bbWidthLast,
		BBUpper: bbUpperLast, BBLower: bbLowerLast, ATR: atrLast,
		ATRPercentile: atrPctileLast, EMASlope: slopeLast,
	}
	return regime.Classify(snap, th)
}

func lastOrNaN(s []float64) float64 {
	if v, ok := indicators.Last(s); ok {
		return v
	}
	return math.NaN()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func closesOf(c []domain.Candle) []float64 {
	out := make([]float64, len(c))
	for i, x := range c {
		out[i], _ = x.Close.Float64()
	}
	return out
}

func highsOf(c []domain.Candle) []float64 {
	out := make([]float64, len(c))
	for i, x := range c {
		out[i], _ = x.High.Float64()
	}
	return out
}

func lowsOf(c []domain.Candle) []float64 {
	out := make([]float64, len(c))
	for i, x := range c {
		out[i], _ = x.Low.Float64()
	}
	return out
}
