// Package strategy implements the Strategy capability interface and the
// registry that dispatches a decision cycle's enabled strategy_ids to their
// implementations (spec §3, §4.6). Every Strategy is a pure function of a
// passed-in Snapshot: no I/O, no persistence, no shared mutable state
// across calls — the same snapshot always produces the same signal.
//
// Grounded on the teacher's single-capability-many-implementations idiom
// (domain.BrokerClient dispatched by concrete client type, e.g.
// internal/modules/trading/handlers wiring one broker implementation behind
// the interface) generalized here to a registry keyed by strategy_id instead
// of a single wired implementation, since the Portfolio Scheduler runs many
// strategies concurrently rather than picking one at startup.
package strategy

import (
	"fmt"
	"math"

	"github.com/aristath/perpcore/internal/domain"
)

// Snapshot is the read-only market state a Strategy evaluates. Candles are
// ordered oldest-first; the last entry is the most recently closed bar.
type Snapshot struct {
	Symbol    string
	Timeframe domain.Timeframe
	Candles   []domain.Candle
	Funding   []domain.FundingRate  // recent funding history, oldest first
	Prices    *domain.PriceSnapshot // latest mark/index quote, nil in backtest replay
	Position  domain.Position
}

// Strategy is the capability every strategy_id implementation satisfies.
type Strategy interface {
	ID() string
	Signal(s Snapshot) domain.StrategySignal
}

// Registry dispatches strategy_id -> Strategy, keyed the way spec §9 asks
// for runtime dispatch rather than a compile-time switch.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy, keyed by its own ID.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.ID()] = s
}

// Get looks up a strategy by id.
func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.strategies[id]
	return s, ok
}

// IDs returns every registered strategy_id.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	return ids
}

// Signal dispatches to strategy_id's implementation, returning an error if
// no strategy with that ID is registered.
func (r *Registry) Signal(id string, s Snapshot) (domain.StrategySignal, error) {
	strat, ok := r.strategies[id]
	if !ok {
		return domain.StrategySignal{}, fmt.Errorf("strategy: unknown strategy_id %q", id)
	}
	return strat.Signal(s), nil
}

// DefaultRegistry builds a Registry pre-populated with every strategy
// SPEC_FULL.md names (spec §4.6).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewEMATrend(DefaultEMATrendParams()))
	r.Register(NewBollingerRange(DefaultBollingerRangeParams()))
	r.Register(NewBreakout(BreakoutParams{Length: 20, ATRLength: 14, ATRMultiple: 1.5, VolumeMultiple: 1.5}))
	r.Register(NewFundingArb(DefaultFundingArbParams()))
	r.Register(NewMomentum(MomentumParams{Length: 10, MinReturn: 0.01}))
	r.Register(NewMeanReversion(MeanReversionParams{ZScoreLength: 20, EntryZ: 2.0}))
	return r
}

func lastClose(candles []domain.Candle) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	c := candles[len(candles)-1]
	f, _ := c.Close.Float64()
	return f, true
}

func closesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Close.Float64()
	}
	return out
}

func highsOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.High.Float64()
	}
	return out
}

func lowsOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Low.Float64()
	}
	return out
}

func volumesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i], _ = c.Volume.Float64()
	}
	return out
}

// nthFromEnd returns the value `back` bars behind the series' last entry
// (back=0 is the last entry itself), or (0, false) if that index is out of
// range or NaN.
func nthFromEnd(series []float64, back int) (float64, bool) {
	i := len(series) - 1 - back
	if i < 0 || math.IsNaN(series[i]) {
		return 0, false
	}
	return series[i], true
}

func flatSignal(strategyID string, s Snapshot, reason string) domain.StrategySignal {
	ts := int64(0)
	if len(s.Candles) > 0 {
		ts = s.Candles[len(s.Candles)-1].TsMillis
	}
	return domain.StrategySignal{StrategyID: strategyID, TsMillis: ts, Intent: domain.IntentFlat, Confidence: 0, TargetWeight: 0, Reason: reason}
}
