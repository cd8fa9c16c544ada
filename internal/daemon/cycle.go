package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/backtest"
	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/decision"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/executor"
	"github.com/aristath/perpcore/internal/portfolio"
	"github.com/aristath/perpcore/internal/regime"
	"github.com/aristath/perpcore/internal/risk"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/strategy"
	"github.com/aristath/perpcore/internal/venue"
)

// CycleConfig parameterizes one symbol/timeframe's decision cycle.
type CycleConfig struct {
	Symbol       string
	Timeframe    domain.Timeframe
	Currency     string // balance currency the cycle sizes orders against (e.g. "USDT")
	CandleWindow int    // candles pulled per cycle; must exceed every indicator's warm-up

	Strategies       *strategy.Registry
	Eligibility      map[string][]domain.Regime
	RegimeScores     portfolio.RegimeScoreTable
	PortfolioCfg     portfolio.Config
	RiskCfg          risk.Config
	RegimeThresholds regime.Thresholds
	IndicatorConfig  backtest.IndicatorConfig
	Leverage         float64
}

// DefaultCycleConfig returns a CycleConfig wired to every package's own
// defaults, parameterized only by symbol/timeframe/currency.
func DefaultCycleConfig(symbol string, tf domain.Timeframe, currency string) CycleConfig {
	return CycleConfig{
		Symbol: symbol, Timeframe: tf, Currency: currency, CandleWindow: 300,
		Strategies: strategy.DefaultRegistry(), Eligibility: portfolio.DefaultEligibility(),
		RegimeScores: portfolio.DefaultRegimeScores(), PortfolioCfg: portfolio.DefaultConfig(),
		RiskCfg: risk.DefaultConfig(), RegimeThresholds: regime.DefaultThresholds(),
		IndicatorConfig: backtest.DefaultIndicatorConfig(), Leverage: 1.0,
	}
}

// Cycle runs one full decision pass: Strategy Library -> Regime Classifier
// -> Decision Engine (optional) -> Portfolio Scheduler fallback -> Risk Gate
// -> Order Executor. It implements scheduler.Job.
//
// Grounded on the teacher's TradingService orchestration
// (internal/modules/trading/service.go's propose-then-validate-then-submit
// sequencing), generalized from a single-broker equities flow to the
// Decision-Engine-with-deterministic-fallback pipeline spec §4.8/§4.9
// describe.
type Cycle struct {
	data      *dataservice.Service
	store     *store.Store
	decision  *decision.Engine
	riskGate  *risk.Gate
	executor  *executor.Executor
	cfg       CycleConfig
	log       zerolog.Logger
}

// NewCycle builds a Cycle.
func NewCycle(data *dataservice.Service, s *store.Store, dec *decision.Engine, gate *risk.Gate, exec *executor.Executor, cfg CycleConfig, log zerolog.Logger) *Cycle {
	return &Cycle{
		data: data, store: s, decision: dec, riskGate: gate, executor: exec, cfg: cfg,
		log: log.With().Str("component", "decision_cycle").Str("symbol", cfg.Symbol).Logger(),
	}
}

// Name identifies this job to the scheduler.
func (c *Cycle) Name() string { return "decision_cycle" }

// Run executes one decision cycle. A HOLD, a disqualified risk candidate, or
// insufficient warm-up data are all expected outcomes, not errors — Run
// returns nil for each and only surfaces genuine I/O/logic failures.
func (c *Cycle) Run(ctx context.Context) error {
	snap, err := c.data.GetSnapshot(ctx, c.cfg.Symbol, c.cfg.Timeframe, c.cfg.CandleWindow)
	if err != nil {
		return fmt.Errorf("decision cycle: snapshot: %w", err)
	}
	if len(snap.Candles) < c.cfg.CandleWindow {
		c.log.Debug().Int("candles", len(snap.Candles)).Msg("insufficient warm-up history, skipping cycle")
		return nil
	}
	if snap.Prices == nil {
		c.log.Debug().Msg("no price snapshot yet, skipping cycle")
		return nil
	}

	reg := backtest.ClassifyRegime(snap.Candles, c.cfg.IndicatorConfig, c.cfg.RegimeThresholds)

	funding, err := c.data.GetRecentFunding(ctx, c.cfg.Symbol, 8)
	if err != nil {
		return fmt.Errorf("decision cycle: recent funding: %w", err)
	}

	stratSnap := strategy.Snapshot{
		Symbol: c.cfg.Symbol, Timeframe: c.cfg.Timeframe,
		Candles: snap.Candles, Funding: funding, Prices: snap.Prices, Position: snap.Position,
	}

	signals := make(map[string]domain.StrategySignal, len(c.cfg.Strategies.IDs()))
	for _, id := range c.cfg.Strategies.IDs() {
		sig, err := c.cfg.Strategies.Signal(id, stratSnap)
		if err != nil {
			return fmt.Errorf("decision cycle: signal %s: %w", id, err)
		}
		signals[id] = sig
	}

	equity, err := c.equity(ctx)
	if err != nil {
		return err
	}
	if equity <= 0 {
		c.log.Debug().Msg("no reconciled balance yet, skipping cycle")
		return nil
	}

	markPrice, _ := snap.Prices.Mark.Float64()
	if markPrice <= 0 {
		c.log.Debug().Msg("non-positive mark price, skipping cycle")
		return nil
	}

	targetPosition, confidence, hold, holdReason, stop, takeProfit := c.propose(ctx, reg, signals, snap.Position, equity)

	if breached, reason := c.bracketBreached(ctx, snap.Position, markPrice); breached {
		targetPosition, confidence, hold = 0, 1, false
		holdReason = reason
		c.log.Info().Str("reason", reason).Msg("bracket breach, forcing flat")
	} else if hold {
		c.log.Debug().Str("reason", holdReason).Msg("cycle held, no order")
		return nil
	}

	currentQty, _ := snap.Position.Size.Float64()
	if snap.Position.Side == domain.PositionShort {
		currentQty = -currentQty
	}

	desiredNotional := targetPosition * equity
	currentNotional := currentQty * markPrice
	deltaNotional := desiredNotional - currentNotional

	if _, err := c.store.InsertDecision(ctx, domain.Decision{
		TsMillis: time.Now().UnixMilli(), Symbol: c.cfg.Symbol, Timeframe: c.cfg.Timeframe,
		Regime: reg, TotalPosition: targetPosition, Confidence: confidence, Stop: stop, TakeProfit: takeProfit,
	}); err != nil {
		return fmt.Errorf("decision cycle: record decision: %w", err)
	}

	candidate := risk.Candidate{
		Symbol: c.cfg.Symbol, TsMillis: time.Now().UnixMilli(), Confidence: confidence,
		IsClose:           math.Abs(desiredNotional) < math.Abs(currentNotional),
		NewGrossNotional:  math.Abs(desiredNotional),
		ResultingLeverage: math.Abs(desiredNotional) / equity,
		Equity:            equity,
		HasOpenPosition:   currentQty != 0,
		WouldOpenNew:      currentQty == 0 && deltaNotional != 0,
		BarsSinceCooldown: math.MaxInt32,
	}

	verdict, err := c.riskGate.Evaluate(ctx, candidate)
	if err != nil {
		return fmt.Errorf("decision cycle: risk gate: %w", err)
	}
	if !verdict.Approved {
		c.log.Info().Str("rule", verdict.Rule).Msg("risk gate blocked candidate")
		return nil
	}

	side := domain.SideBuy
	if deltaNotional < 0 {
		side = domain.SideSell
	}
	amount := decimal.NewFromFloat(math.Abs(deltaNotional) / markPrice)

	intent := venue.OrderIntent{
		ClientOrderID: uuid.NewString(), Symbol: c.cfg.Symbol, Side: side,
		Type: domain.OrderMarket, Amount: amount, Leverage: c.cfg.Leverage, TimeInForce: domain.TIFGTC,
	}

	order, err := c.executor.Submit(ctx, intent)
	if err != nil {
		return fmt.Errorf("decision cycle: submit order: %w", err)
	}
	c.log.Info().Str("client_order_id", intent.ClientOrderID).Str("status", string(order.Status)).Msg("order submitted")
	return nil
}

// propose asks the Decision Engine first, falling back to the Portfolio
// Scheduler when the engine is disabled or its proposal fails validation
// (spec §4.8's explicit fallback path). stop/takeProfit carry the single
// highest-weighted strategy's bracket levels from the portfolio path — the
// Decision Engine's proposal has no per-strategy breakdown to draw one from.
func (c *Cycle) propose(ctx context.Context, reg domain.Regime, signals map[string]domain.StrategySignal, pos domain.Position, equity float64) (targetPosition, confidence float64, hold bool, holdReason string, stop, takeProfit *decimal.Decimal) {
	ids := c.cfg.Strategies.IDs()
	enabled := make(map[string]bool, len(ids))
	for _, id := range ids {
		enabled[id] = true
	}

	req := decision.Request{MarketRegime: string(reg), EnabledStrategies: ids}
	result := c.decision.Propose(ctx, req, enabled)
	if result.Outcome == decision.OutcomeAccepted {
		return clampf(result.Proposal.TotalPosition, -c.cfg.PortfolioCfg.GlobalLeverage, c.cfg.PortfolioCfg.GlobalLeverage),
			result.Proposal.Confidence, false, "", nil, nil
	}

	eligible := portfolio.EligibleSignals(signals, reg, c.cfg.Eligibility)
	sched := portfolio.Schedule(portfolio.Input{
		Regime: reg, Signals: eligible, Performance: map[string]portfolio.StrategyPerformance{},
		RegimeScores: c.cfg.RegimeScores, CurrentPosition: pos, Equity: equity,
	}, c.cfg.PortfolioCfg)

	if sched.Hold {
		return 0, 0, true, sched.HoldReason, nil, nil
	}

	avgConfidence := 0.0
	dominantID, dominantWeight := "", 0.0
	for id, w := range sched.Weights {
		avgConfidence += w * eligible[id].Confidence
		if math.Abs(w) > dominantWeight {
			dominantID, dominantWeight = id, math.Abs(w)
		}
	}
	if dominantID != "" {
		stop, takeProfit = eligible[dominantID].Stop, eligible[dominantID].TakeProfit
	}
	return sched.TargetPosition, avgConfidence, false, "", stop, takeProfit
}

// bracketBreached reports whether the current mark price has breached the
// most recently recorded decision's Stop or TakeProfit for the open position
// (spec §4.6's "every strategy signal includes stop and take-profit" carried
// through to a live consumer: the cycle forces an exit on breach even when
// this tick's fresh signals would otherwise hold).
func (c *Cycle) bracketBreached(ctx context.Context, pos domain.Position, markPrice float64) (bool, string) {
	if pos.Size.IsZero() {
		return false, ""
	}
	recent, err := c.store.RecentDecisions(ctx, c.cfg.Symbol, 1)
	if err != nil || len(recent) == 0 {
		return false, ""
	}
	last := recent[len(recent)-1]

	// hitWhenBelow reports whether level is non-nil and markPrice has reached
	// or crossed it in the given direction.
	hitWhenBelow := func(level *decimal.Decimal, below bool) bool {
		if level == nil {
			return false
		}
		v, _ := level.Float64()
		if below {
			return markPrice <= v
		}
		return markPrice >= v
	}

	long := pos.Side == domain.PositionLong
	if hitWhenBelow(last.Stop, long) {
		return true, "stop breached"
	}
	if hitWhenBelow(last.TakeProfit, !long) {
		return true, "take-profit breached"
	}
	return false, ""
}

func (c *Cycle) equity(ctx context.Context) (float64, error) {
	bal, err := c.data.GetLatestBalance(ctx, c.cfg.Currency)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("decision cycle: latest balance: %w", err)
	}
	v, _ := bal.Total.Float64()
	return v, nil
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
