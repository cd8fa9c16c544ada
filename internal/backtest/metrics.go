package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/perpcore/internal/domain"
)

// Metrics is the computed summary spec §4.13 step 5 requires in every
// BacktestRun's metrics_json.
type Metrics struct {
	TotalReturn     float64 `json:"total_return"`
	CAGR            float64 `json:"cagr"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxDDDurationMs int64   `json:"max_dd_duration_ms"`
	Sharpe          float64 `json:"sharpe"`
	Sortino         float64 `json:"sortino"`
	Calmar          float64 `json:"calmar"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"`
	PayoffRatio     float64 `json:"payoff_ratio"`
	TradeCount      int     `json:"trade_count"`
	FundingPnl      float64 `json:"funding_pnl"`
}

// EquityPoint is one bar's equity/drawdown observation.
type EquityPoint struct {
	TsMillis int64   `json:"ts_ms"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// ComputeMetrics derives every spec §4.13 metric from the equity curve and
// closed trade list. Grounded on the teacher's formulas package
// (pkg/formulas/sharpe.go's annualized-Sharpe/Sortino shape and
// pkg/formulas/drawdown.go's peak-tracking max-drawdown loop), generalized
// from daily-return equity curves to arbitrary-timeframe bar curves via
// Timeframe.BarsPerYear, and from CalculateCAGR's monthly-price slices to a
// bar-indexed equity curve.
func ComputeMetrics(tf domain.Timeframe, curve []EquityPoint, trades []domain.BacktestTrade, fundingPnl float64) Metrics {
	if len(curve) < 2 {
		return Metrics{TradeCount: len(trades), FundingPnl: fundingPnl}
	}

	start := curve[0].Equity
	end := curve[len(curve)-1].Equity
	totalReturn := 0.0
	if start > 0 {
		totalReturn = end/start - 1
	}

	barsPerYear := tf.BarsPerYear()
	years := float64(len(curve)) / barsPerYear
	cagr := 0.0
	if start > 0 && end > 0 && years > 0 {
		cagr = math.Pow(end/start, 1/years) - 1
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}

	maxDD, maxDDDurationBars := maxDrawdownAndDuration(curve)

	sharpe := annualizedSharpe(returns, barsPerYear)
	sortino := annualizedSortino(returns, barsPerYear)

	calmar := 0.0
	if maxDD > 0 {
		calmar = cagr / maxDD
	}

	winRate, profitFactor, payoffRatio := tradeStats(trades)

	return Metrics{
		TotalReturn: totalReturn, CAGR: cagr, MaxDrawdown: maxDD,
		MaxDDDurationMs: maxDDDurationBars * tf.Millis(),
		Sharpe:          sharpe, Sortino: sortino, Calmar: calmar,
		WinRate: winRate, ProfitFactor: profitFactor, PayoffRatio: payoffRatio,
		TradeCount: len(trades), FundingPnl: fundingPnl,
	}
}

func maxDrawdownAndDuration(curve []EquityPoint) (float64, int64) {
	maxDD := 0.0
	peak := curve[0].Equity
	peakIdx := 0
	maxDuration := int64(0)

	for i, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
			peakIdx = i
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
				maxDuration = int64(i - peakIdx)
			}
		}
	}
	return maxDD, maxDuration
}

func annualizedSharpe(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return (mean / std) * math.Sqrt(barsPerYear)
}

func annualizedSortino(returns []float64, barsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)

	var downsideSq float64
	var downsideN int
	for _, r := range returns {
		if r < 0 {
			downsideSq += r * r
			downsideN++
		}
	}
	if downsideN == 0 {
		return 0
	}
	downsideDev := math.Sqrt(downsideSq / float64(downsideN))
	if downsideDev == 0 {
		return 0
	}
	return (mean / downsideDev) * math.Sqrt(barsPerYear)
}

func tradeStats(trades []domain.BacktestTrade) (winRate, profitFactor, payoffRatio float64) {
	if len(trades) == 0 {
		return 0, 0, 0
	}

	var wins, losses int
	var grossProfit, grossLoss float64
	for _, t := range trades {
		pnl, _ := t.RealizedPnl.Float64()
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else if pnl < 0 {
			losses++
			grossLoss += -pnl
		}
	}

	winRate = float64(wins) / float64(len(trades))
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	}

	avgWin := 0.0
	if wins > 0 {
		avgWin = grossProfit / float64(wins)
	}
	avgLoss := 0.0
	if losses > 0 {
		avgLoss = grossLoss / float64(losses)
	}
	if avgLoss > 0 {
		payoffRatio = avgWin / avgLoss
	}
	return winRate, profitFactor, payoffRatio
}
