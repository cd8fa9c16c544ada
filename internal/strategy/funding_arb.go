package strategy

import (
	"math"

	"github.com/aristath/perpcore/internal/domain"
)

// FundingArbParams parameterizes the funding-rate-arbitrage strategy
// (spec §4.6): collect sustained funding via a delta-neutral perp/spot pair
// while the basis stays tight enough that the spot leg's convergence risk
// doesn't outrun the carry being earned.
type FundingArbParams struct {
	MinRate             float64 // absolute funding rate threshold, per settlement period
	MinSustainedPeriods int     // funding must clear MinRate for this many consecutive settlements
	MaxEntryBasis       float64 // entries require |basis| below this
	ExitFundingFloor    float64 // exit once the sustained rate decays below this
	ExitBasis           float64 // exit once |basis| widens past this
	RebalanceDelta      float64 // TargetWeight is quantized to this step so basis noise doesn't churn the hedge
	Weight              float64 // base perp-leg weight once an entry is confirmed
}

// DefaultFundingArbParams mirrors spec §4.6's stated thresholds.
func DefaultFundingArbParams() FundingArbParams {
	return FundingArbParams{
		MinRate: 0.001, MinSustainedPeriods: 2, MaxEntryBasis: 0.005,
		ExitFundingFloor: 0.0005, ExitBasis: 0.015, RebalanceDelta: 0.02, Weight: 0.4,
	}
}

// FundingArb takes the side that *collects* funding when the rate has run
// persistently hot and the perp/index basis is tight enough that a spot
// hedge leg (held externally, not traded by this Executor) wouldn't be
// fighting a large convergence move: short the perp when longs have been
// paying shorts for MinSustainedPeriods settlements with |basis| below
// MaxEntryBasis, long the mirror case (spec §4.6). It exits on a rule
// distinct from entry — once funding decays below ExitFundingFloor or
// |basis| widens past ExitBasis — since a position already earning carry
// should outlast dips that would have blocked a fresh entry. Rebalancing
// the hedge ratio itself is the Portfolio Scheduler's job downstream (its
// DiffThresholdBps gate, spec §4.9); this strategy only quantizes its own
// TargetWeight to RebalanceDelta steps so a wiggling basis doesn't request
// a marginally different hedge ratio every cycle.
type FundingArb struct {
	params FundingArbParams
}

// NewFundingArb builds a FundingArb strategy.
func NewFundingArb(p FundingArbParams) *FundingArb {
	return &FundingArb{params: p}
}

func (f *FundingArb) ID() string { return "funding_arb" }

func (f *FundingArb) Signal(s Snapshot) domain.StrategySignal {
	ts := int64(0)
	if len(s.Candles) > 0 {
		ts = s.Candles[len(s.Candles)-1].TsMillis
	}

	if exit := f.checkExit(s); exit != nil {
		return *exit
	}

	if len(s.Funding) < f.params.MinSustainedPeriods {
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentFlat,
			Confidence: 0, TargetWeight: 0, Reason: "insufficient funding history"}
	}
	if s.Prices == nil {
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentFlat,
			Confidence: 0, TargetWeight: 0, Reason: "no index price, cannot gate on basis"}
	}

	index, _ := s.Prices.Index.Float64()
	mark, _ := s.Prices.Mark.Float64()
	if index <= 0 {
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentFlat,
			Confidence: 0, TargetWeight: 0, Reason: "non-positive index price"}
	}
	basis := (mark - index) / index
	if math.Abs(basis) >= f.params.MaxEntryBasis {
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentFlat,
			Confidence: 0, TargetWeight: 0, Reason: "basis too wide to enter"}
	}

	recent := s.Funding[len(s.Funding)-f.params.MinSustainedPeriods:]
	allPositive, allNegative := true, true
	for _, fr := range recent {
		rate, _ := fr.Rate.Float64()
		if rate < f.params.MinRate {
			allPositive = false
		}
		if rate > -f.params.MinRate {
			allNegative = false
		}
	}

	switch {
	case allPositive:
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentShort,
			Confidence: 0.5, TargetWeight: -f.quantize(f.params.Weight),
			Reason: "sustained positive funding within basis gate, collecting via short perp"}
	case allNegative:
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentLong,
			Confidence: 0.5, TargetWeight: f.quantize(f.params.Weight),
			Reason: "sustained negative funding within basis gate, collecting via long perp"}
	default:
		return domain.StrategySignal{StrategyID: f.ID(), TsMillis: ts, Intent: domain.IntentFlat,
			Confidence: 0, TargetWeight: 0, Reason: "funding rate not sustained past threshold"}
	}
}

// checkExit closes an open position once the carry it was collecting has
// decayed below ExitFundingFloor or the basis has widened past ExitBasis.
func (f *FundingArb) checkExit(s Snapshot) *domain.StrategySignal {
	pos := s.Position
	if pos.Size.IsZero() || len(s.Funding) == 0 {
		return nil
	}
	last := s.Funding[len(s.Funding)-1]
	rate, _ := last.Rate.Float64()

	var basis float64
	haveBasis := false
	if s.Prices != nil {
		index, _ := s.Prices.Index.Float64()
		mark, _ := s.Prices.Mark.Float64()
		if index > 0 {
			basis = (mark - index) / index
			haveBasis = true
		}
	}

	switch pos.Side {
	case domain.PositionShort: // collecting positive funding
		if rate < f.params.ExitFundingFloor {
			sig := flatSignal(f.ID(), s, "funding decayed below exit floor")
			return &sig
		}
		if haveBasis && basis > f.params.ExitBasis {
			sig := flatSignal(f.ID(), s, "basis widened past exit threshold")
			return &sig
		}
	case domain.PositionLong: // collecting negative funding
		if -rate < f.params.ExitFundingFloor {
			sig := flatSignal(f.ID(), s, "funding decayed below exit floor")
			return &sig
		}
		if haveBasis && -basis > f.params.ExitBasis {
			sig := flatSignal(f.ID(), s, "basis widened past exit threshold")
			return &sig
		}
	}
	return nil
}

// quantize rounds w to the nearest RebalanceDelta step so a wiggling basis
// doesn't request a marginally different hedge ratio every cycle.
func (f *FundingArb) quantize(w float64) float64 {
	if f.params.RebalanceDelta <= 0 {
		return w
	}
	return math.Round(w/f.params.RebalanceDelta) * f.params.RebalanceDelta
}
