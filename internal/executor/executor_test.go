package executor_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/executor"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:executor_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubmitFillsOrderThroughSimulatedVenue(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{
		FeeRate: decimal.NewFromFloat(0.0006), SlippageBps: decimal.Zero,
		StartBalance: decimal.NewFromInt(10000),
	})
	v.SetNextPrice(decimal.NewFromInt(50000))
	exec := executor.New(s, v, lock.New(), executor.DefaultConfig(), zerolog.Nop())

	intent := venue.OrderIntent{
		ClientOrderID: "order-1", Symbol: "BTC-USDT-SWAP", Side: domain.SideBuy,
		Type: domain.OrderMarket, Amount: decimal.NewFromFloat(0.1), TimeInForce: domain.TIFGTC,
	}

	order, err := exec.Submit(context.Background(), intent)

	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, order.Status)
	require.NotEmpty(t, order.ExchangeOrderID)

	events, err := s.LifecycleEvents(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.OrderAccepted, events[0].Status)
	require.Equal(t, domain.OrderFilled, events[1].Status)

	trades, err := s.TradesForOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestSubmitIsIdempotentOnRetryWithSameClientOrderID(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{
		FeeRate: decimal.NewFromFloat(0.0006), SlippageBps: decimal.Zero,
		StartBalance: decimal.NewFromInt(10000),
	})
	v.SetNextPrice(decimal.NewFromInt(50000))
	exec := executor.New(s, v, lock.New(), executor.DefaultConfig(), zerolog.Nop())

	intent := venue.OrderIntent{
		ClientOrderID: "order-retry", Symbol: "BTC-USDT-SWAP", Side: domain.SideBuy,
		Type: domain.OrderMarket, Amount: decimal.NewFromFloat(0.1), TimeInForce: domain.TIFGTC,
	}

	first, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)

	second, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)

	trades, err := s.TradesForOrder(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1, "retrying an already-accepted order must not double-submit")
}

func TestCancelRejectsAlreadyTerminalOrder(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{
		FeeRate: decimal.NewFromFloat(0.0006), SlippageBps: decimal.Zero,
		StartBalance: decimal.NewFromInt(10000),
	})
	v.SetNextPrice(decimal.NewFromInt(50000))
	exec := executor.New(s, v, lock.New(), executor.DefaultConfig(), zerolog.Nop())

	intent := venue.OrderIntent{
		ClientOrderID: "order-cancel", Symbol: "BTC-USDT-SWAP", Side: domain.SideBuy,
		Type: domain.OrderMarket, Amount: decimal.NewFromFloat(0.1), TimeInForce: domain.TIFGTC,
	}
	order, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)

	err = exec.Cancel(context.Background(), order.ID)
	require.Error(t, err)
}
