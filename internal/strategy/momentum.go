package strategy

import (
	"math"

	"github.com/aristath/perpcore/internal/domain"
)

// MomentumParams parameterizes the raw-return momentum strategy.
type MomentumParams struct {
	Length    int // lookback bars for the return window
	MinReturn float64
}

// Momentum takes the direction of the trailing Length-bar return once it
// exceeds MinReturn in magnitude — the simplest possible directional
// follow-through signal, supplementing EMATrend with a faster-reacting,
// indicator-free alternative (spec §4.6 supplemented features).
type Momentum struct {
	params MomentumParams
}

// NewMomentum builds a Momentum strategy.
func NewMomentum(p MomentumParams) *Momentum {
	return &Momentum{params: p}
}

func (m *Momentum) ID() string { return "momentum" }

func (m *Momentum) Signal(s Snapshot) domain.StrategySignal {
	closes := closesOf(s.Candles)
	if len(closes) < m.params.Length+1 {
		return flatSignal(m.ID(), s, "insufficient history")
	}

	last := closes[len(closes)-1]
	prior := closes[len(closes)-1-m.params.Length]
	if prior == 0 {
		return flatSignal(m.ID(), s, "zero base price")
	}
	ret := (last - prior) / prior
	ts := s.Candles[len(s.Candles)-1].TsMillis
	confidence := math.Min(1, math.Abs(ret)/m.params.MinReturn*0.5)

	switch {
	case ret >= m.params.MinReturn:
		return domain.StrategySignal{StrategyID: m.ID(), TsMillis: ts, Intent: domain.IntentLong,
			Confidence: confidence, TargetWeight: 0.8, Reason: "positive trailing return exceeds threshold"}
	case ret <= -m.params.MinReturn:
		return domain.StrategySignal{StrategyID: m.ID(), TsMillis: ts, Intent: domain.IntentShort,
			Confidence: confidence, TargetWeight: -0.8, Reason: "negative trailing return exceeds threshold"}
	default:
		return flatSignal(m.ID(), s, "return within neutral band")
	}
}
