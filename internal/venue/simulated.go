package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
)

// SimulatedConfig parameterizes fill behavior for the deterministic adapter
// used by the backtest engine and by tests that exercise the Executor
// without a network dependency (spec §4.13: "next-bar-open fill simulation
// with configurable slippage/fees").
type SimulatedConfig struct {
	FeeRate      decimal.Decimal // e.g. 0.0006 for 6bps taker
	SlippageBps  decimal.Decimal // applied against the reference price
	StartBalance decimal.Decimal
}

// Simulated is a deterministic, in-memory venue. Orders fill immediately at
// the price supplied via SetNextPrice (the backtest engine advances this to
// the next bar's open before each fill, per spec's next-bar-open rule).
// Grounded on the teacher's in-memory test doubles pattern (trader-go uses
// hand-rolled fakes rather than a mocking library for these capability
// interfaces); this fake carries real fee/slippage math rather than being a
// no-op stub, so it doubles as the backtest fill engine's venue leg.
type Simulated struct {
	mu          sync.Mutex
	cfg         SimulatedConfig
	nextPrice   decimal.Decimal
	orders      map[string]*simOrder
	balances    map[string]Balance
	positions   map[string]PositionInfo
	orderSeq    int64
	funding     map[string]domain.FundingRate
}

type simOrder struct {
	exchangeID string
	intent     OrderIntent
	status     domain.OrderStatus
	filledQty  decimal.Decimal
	avgPrice   decimal.Decimal
	fee        decimal.Decimal
}

// NewSimulated builds a simulated adapter seeded with one starting balance.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	return &Simulated{
		cfg:     cfg,
		orders:  make(map[string]*simOrder),
		funding: make(map[string]domain.FundingRate),
		balances: map[string]Balance{
			"USDT": {Currency: "USDT", Total: cfg.StartBalance, Available: cfg.StartBalance},
		},
		positions: make(map[string]PositionInfo),
	}
}

// SetNextPrice sets the fill reference price for subsequent SubmitOrder
// calls (the backtest engine calls this with each bar's open).
func (s *Simulated) SetNextPrice(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPrice = p
}

// SetFunding seeds the funding rate FetchFunding returns for a symbol.
func (s *Simulated) SetFunding(symbol string, fr domain.FundingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[symbol] = fr
}

func (s *Simulated) FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, sinceMs int64, limit int) ([]domain.Candle, error) {
	return nil, fmt.Errorf("venue: simulated adapter does not serve historical OHLCV; seed the store directly")
}

func (s *Simulated) FetchFunding(ctx context.Context, symbol string) (domain.FundingRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr, ok := s.funding[symbol]
	if !ok {
		return domain.FundingRate{}, domain.ErrNotFound
	}
	return fr, nil
}

func (s *Simulated) FetchMarkIndexLast(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextPrice.IsZero() {
		return domain.PriceSnapshot{}, domain.ErrNotFound
	}
	return domain.PriceSnapshot{Symbol: symbol, Last: s.nextPrice, Mark: s.nextPrice, Index: s.nextPrice}, nil
}

func (s *Simulated) FetchBalances(ctx context.Context) ([]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	return out, nil
}

func (s *Simulated) FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != "" {
		if p, ok := s.positions[symbol]; ok {
			return []PositionInfo{p}, nil
		}
		return nil, nil
	}
	out := make([]PositionInfo, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// SubmitOrder fills instantly at nextPrice adjusted by slippage, debits the
// fee from the USDT balance, and updates the net position (spec §4.13's
// next-bar-open fill model; a live exchange would instead go through
// NEW→ACCEPTED and poll, which the Simulated adapter models as an immediate
// terminal fill since there is no network round-trip to simulate).
func (s *Simulated) SubmitOrder(ctx context.Context, intent OrderIntent) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextPrice.IsZero() {
		return SubmitResult{}, fmt.Errorf("venue: simulated adapter has no reference price set")
	}

	s.orderSeq++
	exchangeID := fmt.Sprintf("sim-%d", s.orderSeq)

	fillPrice := s.applySlippage(intent.Side)
	fee := intent.Amount.Mul(fillPrice).Mul(s.cfg.FeeRate).Abs()

	o := &simOrder{
		exchangeID: exchangeID,
		intent:     intent,
		status:     domain.OrderFilled,
		filledQty:  intent.Amount,
		avgPrice:   fillPrice,
		fee:        fee,
	}
	s.orders[exchangeID] = o

	bal := s.balances["USDT"]
	bal.Available = bal.Available.Sub(fee)
	bal.Total = bal.Total.Sub(fee)
	s.balances["USDT"] = bal

	s.applyFill(intent, fillPrice)

	return SubmitResult{ExchangeOrderID: exchangeID, Status: domain.OrderFilled}, nil
}

func (s *Simulated) applySlippage(side domain.OrderSide) decimal.Decimal {
	adj := s.nextPrice.Mul(s.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return s.nextPrice.Add(adj)
	}
	return s.nextPrice.Sub(adj)
}

func (s *Simulated) applyFill(intent OrderIntent, fillPrice decimal.Decimal) {
	cur, exists := s.positions[intent.Symbol]
	signedQty := intent.Amount
	if intent.Side == domain.SideSell {
		signedQty = signedQty.Neg()
	}

	if !exists || cur.Size.IsZero() {
		side := domain.PositionLong
		if signedQty.IsNegative() {
			side = domain.PositionShort
		}
		s.positions[intent.Symbol] = PositionInfo{
			Symbol: intent.Symbol, Side: side, Size: signedQty.Abs(), EntryPrice: fillPrice,
		}
		return
	}

	curSigned := cur.Size
	if cur.Side == domain.PositionShort {
		curSigned = curSigned.Neg()
	}
	newSigned := curSigned.Add(signedQty)

	if newSigned.IsZero() {
		delete(s.positions, intent.Symbol)
		return
	}

	side := domain.PositionLong
	if newSigned.IsNegative() {
		side = domain.PositionShort
	}

	entry := fillPrice
	// Adding to an existing same-direction position re-bases entry to the
	// size-weighted average; flipping or reducing keeps the prior entry.
	sameDirection := (curSigned.IsPositive() && signedQty.IsPositive()) || (curSigned.IsNegative() && signedQty.IsNegative())
	if sameDirection {
		totalCost := cur.EntryPrice.Mul(curSigned.Abs()).Add(fillPrice.Mul(signedQty.Abs()))
		entry = totalCost.Div(newSigned.Abs())
	} else if curSigned.Abs().GreaterThan(signedQty.Abs()) {
		entry = cur.EntryPrice
	}

	s.positions[intent.Symbol] = PositionInfo{Symbol: intent.Symbol, Side: side, Size: newSigned.Abs(), EntryPrice: entry}
}

func (s *Simulated) FetchOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (OrderStatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return OrderStatusResult{}, domain.ErrNotFound
	}
	return OrderStatusResult{
		ExchangeOrderID: o.exchangeID,
		Status:          o.status,
		FilledQty:       o.filledQty,
		AvgFillPrice:    o.avgPrice,
		Fee:             o.fee,
	}, nil
}

func (s *Simulated) CancelOrder(ctx context.Context, exchangeOrderID, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("venue: order %s already terminal (%s)", exchangeOrderID, o.status)
	}
	o.status = domain.OrderCanceled
	return nil
}
