// Package risk implements the Risk Gate, the ordered set of pre-trade
// checks applied after the Portfolio Scheduler and before the Order
// Executor (spec §4.10). Every failure records a RiskEvent(BLOCK, rule)
// and drops the decision rather than raising an error — a blocked trade
// is an expected outcome of a working gate, not a system fault.
//
// Grounded directly on the teacher's TradeSafetyService.ValidateTrade
// layered-check shape (internal/modules/trading/safety_service.go): a
// fixed sequence of named checks, first failure wins, each one logged.
// Re-grounded here from equities buy/sell/cooldown/hold-time rules to
// perp-futures kill-switch/confidence/notional/leverage/daily-loss/
// cooldown/one-position rules.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
)

// Config parameterizes the gate (spec §4.10's RISK_* environment variables).
type Config struct {
	TradingEnabled    bool
	MinConfidence     float64
	MaxNotional       float64
	MaxLeverage       float64
	MaxDailyLossPct   float64
	CooldownLosses    int // N: consecutive losing trades that trigger cooldown
	CooldownBars      int // X: bars opens are suspended for
}

// DefaultConfig mirrors config.Load()'s RISK_* defaults.
func DefaultConfig() Config {
	return Config{
		TradingEnabled: true, MinConfidence: 0.55, MaxNotional: 50000,
		MaxLeverage: 3, MaxDailyLossPct: 0.05, CooldownLosses: 3, CooldownBars: 6,
	}
}

// Candidate is the proposed trade the gate evaluates, derived from the
// Portfolio Scheduler's (or Decision Engine's) output.
type Candidate struct {
	Symbol            string
	TsMillis          int64
	Confidence        float64
	IsClose           bool // true when the change only reduces or closes exposure
	NewGrossNotional  float64
	ResultingLeverage float64
	Equity            float64
	DailyRealizedLoss float64 // positive number, loss magnitude for the current day
	RecentTradeWins   []bool  // most recent trades, most recent last; true = win
	BarsSinceCooldown int     // bars elapsed since the cooldown losing streak was last observed
	HasOpenPosition   bool    // V1 one-position-per-symbol check
	WouldOpenNew      bool    // true when this candidate opens a position where none exists
}

// Gate evaluates candidates and persists the audit trail.
type Gate struct {
	store *store.Store
	cfg   Config
}

// New builds a Gate.
func New(s *store.Store, cfg Config) *Gate {
	return &Gate{store: s, cfg: cfg}
}

// Decision is the gate's verdict.
type Decision struct {
	Approved bool
	Rule     string // the rule that blocked, empty when approved
}

// Evaluate runs every check in spec §4.10's listed order, recording a
// RiskEvent for the first failure (or none, if the candidate passes).
func (g *Gate) Evaluate(ctx context.Context, c Candidate) (Decision, error) {
	checks := []struct {
		rule string
		fn   func(Candidate, Config) (bool, string)
	}{
		{"TRADING_ENABLED", checkTradingEnabled},
		{"MIN_CONFIDENCE", checkConfidence},
		{"MAX_NOTIONAL", checkNotional},
		{"MAX_LEVERAGE", checkLeverage},
		{"MAX_DAILY_LOSS", checkDailyLoss},
		{"COOLDOWN", checkCooldown},
		{"ONE_POSITION_PER_SYMBOL", checkOnePosition},
	}

	for _, check := range checks {
		ok, details := check.fn(c, g.cfg)
		if !ok {
			event := domain.RiskEvent{
				TsMillis: c.TsMillis, Symbol: c.Symbol,
				Level: domain.RiskBlock, Rule: check.rule, Details: details,
			}
			if err := g.store.InsertRiskEvent(ctx, event); err != nil {
				return Decision{}, fmt.Errorf("risk gate: record block event: %w", err)
			}
			return Decision{Approved: false, Rule: check.rule}, nil
		}
	}

	return Decision{Approved: true}, nil
}

func checkTradingEnabled(c Candidate, cfg Config) (bool, string) {
	if !cfg.TradingEnabled {
		return false, "TRADING_ENABLED is false, live routing disabled"
	}
	return true, ""
}

func checkConfidence(c Candidate, cfg Config) (bool, string) {
	if c.Confidence < cfg.MinConfidence {
		return false, fmt.Sprintf("confidence %.3f below RISK_MIN_CONFIDENCE %.3f", c.Confidence, cfg.MinConfidence)
	}
	return true, ""
}

func checkNotional(c Candidate, cfg Config) (bool, string) {
	if c.NewGrossNotional > cfg.MaxNotional {
		return false, fmt.Sprintf("new gross notional %.2f exceeds RISK_MAX_NOTIONAL %.2f", c.NewGrossNotional, cfg.MaxNotional)
	}
	return true, ""
}

func checkLeverage(c Candidate, cfg Config) (bool, string) {
	if c.ResultingLeverage > cfg.MaxLeverage {
		return false, fmt.Sprintf("resulting leverage %.2f exceeds RISK_MAX_LEVERAGE %.2f", c.ResultingLeverage, cfg.MaxLeverage)
	}
	return true, ""
}

// checkDailyLoss blocks new openings only — closes remain allowed even
// when the daily loss threshold has been crossed (spec §4.10).
func checkDailyLoss(c Candidate, cfg Config) (bool, string) {
	if c.IsClose {
		return true, ""
	}
	if c.Equity <= 0 {
		return true, ""
	}
	lossPct := c.DailyRealizedLoss / c.Equity
	if lossPct >= cfg.MaxDailyLossPct {
		return false, fmt.Sprintf("daily realized loss %.2f%% has crossed MAX_DAILY_LOSS_PCT %.2f%%", lossPct*100, cfg.MaxDailyLossPct*100)
	}
	return true, ""
}

// checkCooldown suspends new openings for CooldownBars bars after the
// trailing CooldownLosses trades were all losses.
func checkCooldown(c Candidate, cfg Config) (bool, string) {
	if c.IsClose || cfg.CooldownLosses <= 0 {
		return true, ""
	}
	if len(c.RecentTradeWins) < cfg.CooldownLosses {
		return true, ""
	}
	tail := c.RecentTradeWins[len(c.RecentTradeWins)-cfg.CooldownLosses:]
	allLosses := true
	for _, win := range tail {
		if win {
			allLosses = false
			break
		}
	}
	if allLosses && c.BarsSinceCooldown < cfg.CooldownBars {
		return false, fmt.Sprintf("cooldown active: last %d trades were losses, %d of %d bars elapsed", cfg.CooldownLosses, c.BarsSinceCooldown, cfg.CooldownBars)
	}
	return true, ""
}

func checkOnePosition(c Candidate, cfg Config) (bool, string) {
	if c.WouldOpenNew && c.HasOpenPosition {
		return false, "one active position per symbol already held (V1 constraint)"
	}
	return true, ""
}

// ResultingLeverageFor is a small helper the caller can use to compute
// Candidate.ResultingLeverage from notional and equity, keeping the
// leverage formula in one place.
func ResultingLeverageFor(notional, equity float64) float64 {
	if equity <= 0 {
		return math.Inf(1)
	}
	return notional / equity
}
