package domain

import (
	"github.com/shopspring/decimal"
)

// Timeframe is a bar width, named rather than duration-typed so the grid
// math in internal/integrity stays in whole bar counts (spec §4.4, §4.5).
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Millis returns the bar width in epoch-millisecond units.
func (t Timeframe) Millis() int64 {
	switch t {
	case Timeframe15m:
		return 15 * 60 * 1000
	case Timeframe1h:
		return 60 * 60 * 1000
	case Timeframe4h:
		return 4 * 60 * 60 * 1000
	case Timeframe1d:
		return 24 * 60 * 60 * 1000
	default:
		return 0
	}
}

// BarsPerYear is used to annualize backtest metrics (spec §4.13).
func (t Timeframe) BarsPerYear() float64 {
	msPerYear := float64(365 * 24 * 60 * 60 * 1000)
	width := t.Millis()
	if width == 0 {
		return 0
	}
	return msPerYear / float64(width)
}

// Candle is one OHLCV bar. ts is aligned to the bar boundary. Candle rows are
// created by Ingest and are read-only thereafter, except that Repair may
// replace an existing row by identical (symbol, timeframe, ts) with
// authoritative values (spec §3).
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	TsMillis  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Valid enforces the candle invariants from spec §3 / §8.
func (c Candle) Valid() bool {
	if c.Volume.IsNegative() {
		return false
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	return true
}

// FundingRate is a perpetual funding record, unique per (symbol, ts).
type FundingRate struct {
	Symbol        string
	TsMillis      int64
	Rate          decimal.Decimal
	NextFundingTs int64
}

// PriceSnapshot holds the last/mark/index triple at a point in time.
type PriceSnapshot struct {
	Symbol   string
	TsMillis int64
	Last     decimal.Decimal
	Mark     decimal.Decimal
	Index    decimal.Decimal
}

// IntegrityEventType enumerates the kinds of integrity findings (spec §3, §4.4).
type IntegrityEventType string

const (
	IntegrityGap        IntegrityEventType = "GAP"
	IntegrityDuplicate  IntegrityEventType = "DUPLICATE"
	IntegrityRepairDone IntegrityEventType = "REPAIR"
)

// IntegritySeverity is a coarse priority used to order repair work.
type IntegritySeverity string

const (
	SeverityLow    IntegritySeverity = "LOW"
	SeverityMedium IntegritySeverity = "MEDIUM"
	SeverityHigh   IntegritySeverity = "HIGH"
)

// IntegrityEvent records one gap, duplicate, or completed repair.
type IntegrityEvent struct {
	ID            int64
	Symbol        string
	Timeframe     Timeframe
	Type          IntegrityEventType
	StartTs       int64
	EndTs         int64
	ExpectedBars  int
	ActualBars    int
	Severity      IntegritySeverity
	DetectedAtMs  int64
	RepairJobID   string
}

// RepairJobStatus tracks a repair job's lifecycle (spec §3).
type RepairJobStatus string

const (
	RepairPending RepairJobStatus = "PENDING"
	RepairRunning RepairJobStatus = "RUNNING"
	RepairDone    RepairJobStatus = "DONE"
	RepairFailed  RepairJobStatus = "FAILED"
)

// RepairJob is one refetch task for a (symbol, timeframe, range).
type RepairJob struct {
	JobID        string
	Symbol       string
	Timeframe    Timeframe
	StartTs      int64
	EndTs        int64
	Status       RepairJobStatus
	RepairedBars int
	Message      string
}

// Intent is the directional intent a strategy signal carries.
type Intent string

const (
	IntentLong       Intent = "LONG"
	IntentShort      Intent = "SHORT"
	IntentFlat       Intent = "FLAT"
	IntentCloseLong  Intent = "CLOSE_LONG"
	IntentCloseShort Intent = "CLOSE_SHORT"
)

// StrategySignal is the transient output of a Strategy.Signal call (spec §3, §4.6).
type StrategySignal struct {
	StrategyID    string
	TsMillis      int64
	Intent        Intent
	Confidence    float64
	TargetWeight  float64 // in [-1, 1]
	Stop          *decimal.Decimal
	TakeProfit    *decimal.Decimal
	Reason        string
}

// Regime is the market-state label produced by the Regime Classifier (spec §4.7).
type Regime string

const (
	RegimeTrend     Regime = "TREND"
	RegimeRange     Regime = "RANGE"
	RegimeBreakout  Regime = "BREAKOUT"
	RegimeHighVol   Regime = "HIGH_VOL"
	RegimeUndefined Regime = "UNDEFINED"
)

// Allocation is one strategy's weight and confidence within a Decision.
type Allocation struct {
	StrategyID string
	Weight     float64
	Confidence float64
}

// Decision is the persisted output of one decision cycle (spec §3, §4.9).
// Stop/TakeProfit carry the dominant contributing strategy's bracket levels
// (when one was available) so the decision cycle can force an exit on a
// later tick even if no fresh opposing signal ever fires.
type Decision struct {
	ID            int64
	TsMillis      int64
	Symbol        string
	Timeframe     Timeframe
	Regime        Regime
	Allocations   []Allocation
	TotalPosition float64
	Confidence    float64
	Stop          *decimal.Decimal
	TakeProfit    *decimal.Decimal
	Reasoning     string
	PromptVersion string
	ModelVersion  string
}

// OrderSide and OrderType are the order-intent enums (spec §3).
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// TimeInForce controls partial-fill handling in the Executor (spec §4.11).
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus is the order state machine's node set (spec §4.11).
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether status has no legal successor.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// legalSuccessors enumerates the state machine edges from spec §4.11.
var legalSuccessors = map[OrderStatus][]OrderStatus{
	OrderNew:             {OrderAccepted, OrderRejected, OrderExpired},
	OrderAccepted:        {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected, OrderExpired},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderExpired},
}

// CanTransition reports whether `to` is a legal successor of `from`.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		// Re-observing the same status (e.g. a duplicate reconciliation
		// catch-up) is idempotent, not a transition.
		return false
	}
	for _, next := range legalSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the persisted order row (spec §3).
type Order struct {
	ID              int64
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Price           *decimal.Decimal
	Amount          decimal.Decimal
	Leverage        float64
	Status          OrderStatus
	TimeInForce     TimeInForce
	CreatedAtMs     int64
	UpdatedAtMs     int64
}

// OrderLifecycleEvent is an append-only transition record (spec §3). Source
// tags how the transition was observed: empty for a transition the Executor
// itself drove (submit, poll-to-fill), "reconciliation" when the Order Sync
// loop (spec §4.12) caught local state up to the venue's authoritative
// status instead.
type OrderLifecycleEvent struct {
	ID             int64
	OrderID        int64
	Status         OrderStatus
	TsMillis       int64
	ExchangeStatus string
	FillQty        *decimal.Decimal
	FillPrice      *decimal.Decimal
	Fee            *decimal.Decimal
	RawPayload     []byte
	Source         string
}

// Trade is one execution against an order (spec §3).
type Trade struct {
	ID          int64
	OrderID     int64
	Symbol      string
	Side        OrderSide
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	RealizedPnl *decimal.Decimal
	TsMillis    int64
}

// PositionSide enumerates net-mode position direction (spec §3).
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// Position is the current net position for a symbol (spec §3).
type Position struct {
	Symbol           string
	Side             PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         float64
	UnrealizedPnl    decimal.Decimal
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	UpdatedAtMs      int64
}

// BalanceSnapshot and PositionSnapshot are periodic reconciliation records
// (spec §3, §4.12).
type BalanceSnapshot struct {
	ID         int64
	Exchange   string
	AccountID  string
	TsMillis   int64
	Currency   string
	Total      decimal.Decimal
	Available  decimal.Decimal
	RawPayload []byte
}

type PositionSnapshot struct {
	ID         int64
	Exchange   string
	AccountID  string
	TsMillis   int64
	Symbol     string
	Side       PositionSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	RawPayload []byte
}

// RiskLevel and RiskEvent implement spec §3 / §4.10's audit trail.
type RiskLevel string

const (
	RiskInfo  RiskLevel = "INFO"
	RiskWarn  RiskLevel = "WARN"
	RiskBlock RiskLevel = "BLOCK"
)

type RiskEvent struct {
	ID       int64
	TsMillis int64
	Symbol   string
	Level    RiskLevel
	Rule     string
	Details  string
}

// BacktestRun is the top-level persisted backtest record (spec §3, §4.13).
type BacktestRun struct {
	ID              int64
	RunID           string
	CreatedAtMs     int64
	Symbol          string
	Timeframe       Timeframe
	StartTs         int64
	EndTs           int64
	InitialCapital  decimal.Decimal
	ParamsJSON      string
	MetricsJSON     string
	EquityCurveJSON string
	SchemaVersion   int
}

type BacktestTrade struct {
	ID           int64
	RunID        string
	Symbol       string
	Side         OrderSide
	EntryTs      int64
	ExitTs       int64
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	RealizedPnl  decimal.Decimal
	ReturnPct    float64 // ratio, e.g. 0.013 == 1.3% (Open Question #2, DESIGN.md)
}

type BacktestPosition struct {
	ID       int64
	RunID    string
	TsMillis int64
	Side     PositionSide
	Size     decimal.Decimal
	Equity   decimal.Decimal
}

type BacktestDecision struct {
	ID            int64
	RunID         string
	TsMillis      int64
	Regime        Regime
	TotalPosition float64
	Confidence    float64
}
