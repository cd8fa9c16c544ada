// Package venue defines the exchange adapter capability set (spec §6) and
// its two implementations: a real HMAC-signed HTTPS client for an
// OKX-style demo/live perpetual-futures venue, and a deterministic
// simulated client used by the backtest engine and tests. Grounded on
// domain.BrokerClient's broker-agnostic interface idiom from the teacher
// (internal/domain/interfaces.go), generalized from equities/spot broker
// operations to perpetual-futures venue operations.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
)

// OrderIntent is what the Executor asks the venue to place.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Price         *decimal.Decimal
	Amount        decimal.Decimal
	Leverage      float64
	TimeInForce   domain.TimeInForce
}

// SubmitResult is the venue's immediate acknowledgment of an order.
type SubmitResult struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
}

// OrderStatusResult is what fetchOrder returns for reconciliation.
type OrderStatusResult struct {
	ExchangeOrderID string
	Status          domain.OrderStatus
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	RawPayload      []byte
}

// Balance is one currency balance from fetchBalances.
type Balance struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// PositionInfo is one position from fetchPositions.
type PositionInfo struct {
	Symbol     string
	Side       domain.PositionSide
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Adapter is the capability set spec §6 enumerates. Both implementations
// (Simulated, OKX-style live) satisfy it so the Ingest Worker, Executor, and
// Reconciliation Loops depend only on this interface.
type Adapter interface {
	FetchOHLCV(ctx context.Context, symbol string, tf domain.Timeframe, sinceMs int64, limit int) ([]domain.Candle, error)
	FetchFunding(ctx context.Context, symbol string) (domain.FundingRate, error)
	FetchMarkIndexLast(ctx context.Context, symbol string) (domain.PriceSnapshot, error)
	FetchBalances(ctx context.Context) ([]Balance, error)
	FetchPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	SubmitOrder(ctx context.Context, intent OrderIntent) (SubmitResult, error)
	FetchOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (OrderStatusResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID, clientOrderID string) error
}
