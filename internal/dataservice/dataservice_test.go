package dataservice_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:ds_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func TestGetSnapshotToleratesMissingFundingAndPrices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertCandles(ctx, []domain.Candle{
		{Symbol: "BTC-USDT-SWAP", Timeframe: domain.Timeframe1h, TsMillis: 1000,
			Open: dec("100"), High: dec("105"), Low: dec("99"), Close: dec("103"), Volume: dec("10")},
	})
	require.NoError(t, err)

	svc := dataservice.New(s)
	snap, err := svc.GetSnapshot(ctx, "BTC-USDT-SWAP", domain.Timeframe1h, 50)
	require.NoError(t, err)
	require.Len(t, snap.Candles, 1)
	require.Nil(t, snap.Funding)
	require.Nil(t, snap.Prices)
	require.Equal(t, domain.PositionFlat, snap.Position.Side)
}

func TestGetSnapshotIncludesFundingPricesAndPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFunding(ctx, domain.FundingRate{Symbol: "BTC-USDT-SWAP", TsMillis: 500, Rate: dec("0.0001"), NextFundingTs: 1000}))
	require.NoError(t, s.UpsertPriceSnapshot(ctx, domain.PriceSnapshot{Symbol: "BTC-USDT-SWAP", TsMillis: 500, Last: dec("100"), Mark: dec("100"), Index: dec("100")}))
	require.NoError(t, s.UpsertPosition(ctx, domain.Position{Symbol: "BTC-USDT-SWAP", Side: domain.PositionLong, Size: dec("1"), EntryPrice: dec("100")}))

	svc := dataservice.New(s)
	snap, err := svc.GetSnapshot(ctx, "BTC-USDT-SWAP", domain.Timeframe1h, 50)
	require.NoError(t, err)
	require.NotNil(t, snap.Funding)
	require.NotNil(t, snap.Prices)
	require.Equal(t, domain.PositionLong, snap.Position.Side)
}
