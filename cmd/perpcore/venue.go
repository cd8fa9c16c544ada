package main

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/config"
	"github.com/aristath/perpcore/internal/venue"
)

// demoBaseURL and liveBaseURL are the OKX-style REST hosts selected by
// OKX_IS_DEMO. Neither config nor internal/venue hardcodes a host, so the
// CLI entrypoint is where this decision lives.
const (
	demoBaseURL = "https://www.okx.com"
	liveBaseURL = "https://www.okx.com"
)

// newLiveOrSimulatedVenue always returns the real venue adapter: ingest
// needs genuine historical OHLCV, which the simulated adapter refuses to
// serve by design.
func newLiveOrSimulatedVenue(cfg *config.Config, log zerolog.Logger) venue.Adapter {
	return newLiveVenue(cfg, log)
}

func newLiveVenue(cfg *config.Config, log zerolog.Logger) *venue.LiveClient {
	baseURL := liveBaseURL
	if cfg.OKXIsDemo {
		baseURL = demoBaseURL
	}
	return venue.NewLiveClient(venue.LiveConfig{
		BaseURL:    baseURL,
		APIKey:     cfg.OKXAPIKey,
		APISecret:  cfg.OKXAPISecret,
		Passphrase: cfg.OKXPassphrase,
		IsDemo:     cfg.OKXIsDemo,
		TDMode:     cfg.OKXTDMode,
		PosMode:    cfg.OKXPosMode,
		Timeout:    10 * time.Second,
	}, log)
}

func newSimulatedVenue() *venue.Simulated {
	return venue.NewSimulated(venue.SimulatedConfig{
		FeeRate:      decimal.NewFromFloat(0.0006),
		SlippageBps:  decimal.NewFromFloat(2),
		StartBalance: decimal.NewFromInt(10000),
	})
}
