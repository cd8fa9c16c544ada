package daemon_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/daemon"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/ingest"
	"github.com/aristath/perpcore/internal/integrity"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/reconcile"
	"github.com/aristath/perpcore/internal/store"
	"github.com/aristath/perpcore/internal/venue"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:daemon_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngestJobNameAndRun(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{StartBalance: decimal.NewFromInt(10000)})
	w := ingest.NewWorker("BTC-USDT-SWAP", domain.Timeframe15m, s, v, 10, zerolog.Nop())
	job := &daemon.IngestJob{Worker: w}

	require.Equal(t, "ingest", job.Name())
	// Simulated adapter refuses historical OHLCV; Tick surfaces that as an
	// error rather than silently doing nothing.
	err := job.Run(context.Background())
	require.Error(t, err)
}

func TestIntegrityJobNameAndRunOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{StartBalance: decimal.NewFromInt(10000)})
	scanner := integrity.NewScanner(s, zerolog.Nop())
	worker := integrity.NewWorker(s, v, lock.New(), zerolog.Nop())
	job := daemon.NewIntegrityJob(scanner, worker, "BTC-USDT-SWAP", domain.Timeframe15m, 100, zerolog.Nop())

	require.Equal(t, "integrity_repair", job.Name())
	require.NoError(t, job.Run(context.Background()))
}

func TestAccountSyncJobNameAndRun(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{StartBalance: decimal.NewFromInt(10000)})
	loop := reconcile.NewAccountLoop("BTC-USDT-SWAP", s, v, time.Minute, zerolog.Nop())
	job := &daemon.AccountSyncJob{Loop: loop}

	require.Equal(t, "account_sync", job.Name())
	require.NoError(t, job.Run(context.Background()))

	bal, err := s.LatestBalance(context.Background(), "USDT")
	require.NoError(t, err)
	require.True(t, bal.Total.Equal(decimal.NewFromInt(10000)))
}

func TestOrderSyncJobNameAndRun(t *testing.T) {
	s := newTestStore(t)
	v := venue.NewSimulated(venue.SimulatedConfig{StartBalance: decimal.NewFromInt(10000)})
	loop := reconcile.NewOrderLoop(s, v, time.Minute, zerolog.Nop())
	job := &daemon.OrderSyncJob{Loop: loop}

	require.Equal(t, "order_sync", job.Name())
	require.NoError(t, job.Run(context.Background()))
}
