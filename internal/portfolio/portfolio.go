// Package portfolio implements the Portfolio Scheduler, the canonical
// always-available allocator that combines per-strategy signals into a
// single target position (spec §4.9). It runs after the Strategy Library
// and Regime Classifier and before the Risk Gate, and is the fallback path
// whenever the optional Decision Engine's proposal fails validation.
//
// Grounded on the teacher's optimization-module scoring/weighting idiom
// (internal/modules/optimization/risk.go's score-then-normalize-then-clamp
// shape) generalized from portfolio-of-securities weighting to
// portfolio-of-strategies weighting.
package portfolio

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/perpcore/internal/domain"
)

// StrategyPerformance is one strategy's recent track record, used to
// compute its performance_score (spec §4.9 step 2).
type StrategyPerformance struct {
	StrategyID string
	PnLSamples []float64 // recent per-trade or per-period PnL, most recent last
}

// RegimeScoreTable maps (strategy_id, regime) to a fixed affinity score in
// [0, 1], spec §4.9's "fixed mapping per (strategy_id, regime)".
type RegimeScoreTable map[string]map[domain.Regime]float64

// Config parameterizes the scheduler (spec §4.9 and config.go's
// PORTFOLIO_* environment variables).
type Config struct {
	RegimeWeight     float64 // w_r
	PerformanceWeight float64 // w_p, w_r + w_p == 1
	TopK             int
	GlobalLeverage   float64 // PORTFOLIO_GLOBAL_LEVERAGE
	MinNotional      float64 // PORTFOLIO_MIN_NOTIONAL
	DiffThresholdBps float64 // PORTFOLIO_DIFF_THRESHOLD
}

// DefaultConfig mirrors config.Load()'s PORTFOLIO_* defaults.
func DefaultConfig() Config {
	return Config{
		RegimeWeight: 0.5, PerformanceWeight: 0.5, TopK: 3,
		GlobalLeverage: 1.0, MinNotional: 50, DiffThresholdBps: 25,
	}
}

// Input bundles everything one scheduling pass needs.
type Input struct {
	Regime            domain.Regime
	Signals           map[string]domain.StrategySignal // keyed by strategy_id, only strategies eligible for this regime
	Performance       map[string]StrategyPerformance   // keyed by strategy_id
	RegimeScores      RegimeScoreTable
	CurrentPosition   domain.Position
	Equity            float64
}

// Result is the scheduler's output (spec §4.9: "target_position x
// per-strategy weights").
type Result struct {
	TargetPosition float64
	Weights        map[string]float64
	Hold           bool
	HoldReason     string
}

// Schedule runs the six-step algorithm from spec §4.9.
func Schedule(in Input, cfg Config) Result {
	type scored struct {
		id    string
		score float64
		sig   domain.StrategySignal
	}

	var candidates []scored
	for id, sig := range in.Signals {
		regimeScore := 0.0
		if table, ok := in.RegimeScores[id]; ok {
			regimeScore = table[in.Regime]
		}
		perfScore := performanceScore(in.Performance[id])
		score := regimeScore*cfg.RegimeWeight + perfScore*cfg.PerformanceWeight
		candidates = append(candidates, scored{id: id, score: score, sig: sig})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	k := cfg.TopK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	top := candidates[:k]

	totalScore := 0.0
	for _, c := range top {
		if c.score > 0 {
			totalScore += c.score
		}
	}

	weights := make(map[string]float64, len(top))
	if totalScore > 0 {
		for _, c := range top {
			w := 0.0
			if c.score > 0 {
				w = c.score / totalScore
			}
			weights[c.id] = w
		}
	} else if len(top) > 0 {
		// No candidate scored positively: split evenly rather than divide by zero.
		even := 1.0 / float64(len(top))
		for _, c := range top {
			weights[c.id] = even
		}
	}

	targetPosition := 0.0
	for _, c := range top {
		targetPosition += weights[c.id] * c.sig.TargetWeight
	}
	targetPosition = clamp(targetPosition, -cfg.GlobalLeverage, cfg.GlobalLeverage)

	currentSigned := signedPosition(in.CurrentPosition)

	// Exclusivity rule (spec §4.9 step 5): a direction flip must first fully
	// close the existing position rather than net through it in one step.
	if targetPosition != 0 && currentSigned != 0 && sign(targetPosition) != sign(currentSigned) {
		targetPosition = 0
	}

	delta := math.Abs(targetPosition - currentSigned)
	notional := delta * in.Equity
	diffBps := 0.0
	if currentSigned != 0 {
		diffBps = delta / math.Abs(currentSigned) * 10000
	} else if targetPosition != 0 {
		diffBps = cfg.DiffThresholdBps + 1 // opening from flat always clears the diff-threshold gate
	}

	if notional < cfg.MinNotional || diffBps < cfg.DiffThresholdBps {
		return Result{TargetPosition: currentSigned, Weights: weights, Hold: true, HoldReason: "change below min-notional or diff-threshold gate"}
	}

	return Result{TargetPosition: targetPosition, Weights: weights}
}

func performanceScore(p StrategyPerformance) float64 {
	if len(p.PnLSamples) == 0 {
		return 0
	}
	mean := stat.Mean(p.PnLSamples, nil)
	std := stat.StdDev(p.PnLSamples, nil)
	if std == 0 {
		return clamp(mean, -1, 1)
	}
	sharpeLike := mean / std
	// squash to [-1, 1] so it combines linearly with regime_score without
	// dominating it for strategies with a long, low-variance sample.
	return clamp(sharpeLike, -1, 1)
}

func signedPosition(p domain.Position) float64 {
	size, _ := p.Size.Float64()
	switch p.Side {
	case domain.PositionLong:
		return size
	case domain.PositionShort:
		return -size
	default:
		return 0
	}
}

func sign(v float64) float64 {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
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
