package venue_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/venue"
)

func dec(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func TestSimulatedSubmitOrderFillsAtSlippageAdjustedPrice(t *testing.T) {
	sim := venue.NewSimulated(venue.SimulatedConfig{
		FeeRate:      dec("0.0006"),
		SlippageBps:  dec("5"),
		StartBalance: dec("10000"),
	})
	sim.SetNextPrice(dec("50000"))

	ctx := context.Background()
	res, err := sim.SubmitOrder(ctx, venue.OrderIntent{
		ClientOrderID: "c1", Symbol: "BTC-USDT-SWAP", Side: domain.SideBuy,
		Type: domain.OrderMarket, Amount: dec("1"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderFilled, res.Status)

	status, err := sim.FetchOrder(ctx, res.ExchangeOrderID, "c1")
	require.NoError(t, err)
	// buy slippage pushes fill price above reference
	require.True(t, status.AvgFillPrice.GreaterThan(dec("50000")))
	require.True(t, status.Fee.GreaterThan(decimal.Zero))

	positions, err := sim.FetchPositions(ctx, "BTC-USDT-SWAP")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, domain.PositionLong, positions[0].Side)
	require.True(t, positions[0].Size.Equal(dec("1")))
}

func TestSimulatedClosingPositionRemovesIt(t *testing.T) {
	sim := venue.NewSimulated(venue.SimulatedConfig{FeeRate: dec("0"), SlippageBps: dec("0"), StartBalance: dec("10000")})
	ctx := context.Background()

	sim.SetNextPrice(dec("100"))
	_, err := sim.SubmitOrder(ctx, venue.OrderIntent{ClientOrderID: "c1", Symbol: "X", Side: domain.SideBuy, Amount: dec("2")})
	require.NoError(t, err)

	sim.SetNextPrice(dec("110"))
	_, err = sim.SubmitOrder(ctx, venue.OrderIntent{ClientOrderID: "c2", Symbol: "X", Side: domain.SideSell, Amount: dec("2")})
	require.NoError(t, err)

	positions, err := sim.FetchPositions(ctx, "X")
	require.NoError(t, err)
	require.Len(t, positions, 0)
}

func TestSimulatedCancelRejectsTerminalOrder(t *testing.T) {
	sim := venue.NewSimulated(venue.SimulatedConfig{FeeRate: dec("0"), SlippageBps: dec("0"), StartBalance: dec("1000")})
	ctx := context.Background()
	sim.SetNextPrice(dec("10"))

	res, err := sim.SubmitOrder(ctx, venue.OrderIntent{ClientOrderID: "c1", Symbol: "X", Side: domain.SideBuy, Amount: dec("1")})
	require.NoError(t, err)

	err = sim.CancelOrder(ctx, res.ExchangeOrderID, "c1")
	require.Error(t, err)
}
