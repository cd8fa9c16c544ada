package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/perpcore/internal/daemon"
	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/decision"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/executor"
	"github.com/aristath/perpcore/internal/healthcheck"
	"github.com/aristath/perpcore/internal/ingest"
	"github.com/aristath/perpcore/internal/integrity"
	"github.com/aristath/perpcore/internal/lock"
	"github.com/aristath/perpcore/internal/reconcile"
	"github.com/aristath/perpcore/internal/risk"
	"github.com/aristath/perpcore/internal/scheduler"
	"github.com/aristath/perpcore/internal/venue"
)

// defaultBackfillBars bounds how far the live ingest job reaches back on a
// cold start (no prior candles for this symbol/timeframe).
const defaultBackfillBars = 2000

func newDaemonCmd() *cobra.Command {
	var symbol string
	var timeframe string
	var executorMode string
	var decisionMode string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the live ingest/decision/reconciliation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			log := newLogger(cfg)
			tf := domain.Timeframe(timeframe)

			if executorMode == "live" && !cfg.TradingEnabled {
				fmt.Fprintln(os.Stderr, "perpcore: TRADING_ENABLED=false but --executor=live was requested")
				os.Exit(exitKillSwitchTripped)
			}

			s := openStoreOrExit(cfg)
			defer s.Close()

			var v venue.Adapter
			if executorMode == "live" {
				v = newLiveVenue(cfg, log)
			} else {
				v = newSimulatedVenue()
			}

			probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := v.FetchBalances(probeCtx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "perpcore: venue unreachable: %v\n", err)
				os.Exit(exitVenueUnreachable)
			}

			var decisionClient decision.Client
			if decisionMode == "llm" {
				if cfg.LLMBaseURL == "" {
					fmt.Fprintln(os.Stderr, "perpcore: --decision-mode=llm requires LLM_BASE_URL")
					os.Exit(exitConfigError)
				}
				decisionClient = decision.NewHTTPClient(decision.HTTPClientConfig{
					BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Timeout: cfg.LLMTimeout,
				})
			}

			locks := lock.New()
			data := dataservice.New(s)
			dec := decision.New(decisionClient, s, log)
			gate := risk.New(s, risk.Config{
				TradingEnabled: cfg.TradingEnabled, MinConfidence: cfg.RiskMinConfidence,
				MaxNotional: cfg.RiskMaxNotional, MaxLeverage: cfg.RiskMaxLeverage,
				MaxDailyLossPct: 0.05, CooldownLosses: 3, CooldownBars: 6,
			})
			exec := executor.New(s, v, locks, executor.DefaultConfig(), log)

			cycleCfg := daemon.DefaultCycleConfig(symbol, tf, "USDT")
			cycleCfg.RiskCfg.MaxLeverage = cfg.RiskMaxLeverage
			cycleCfg.PortfolioCfg.GlobalLeverage = cfg.PortfolioGlobalLeverage
			cycleCfg.PortfolioCfg.DiffThresholdBps = cfg.PortfolioDiffThresholdBps
			cycleCfg.PortfolioCfg.MinNotional = cfg.PortfolioMinNotional
			cycleCfg.Leverage = cfg.PortfolioGlobalLeverage

			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			sched := scheduler.New(ctx, log)
			sched.Start()
			defer sched.Stop()

			ingestWorker := ingest.NewWorker(symbol, tf, s, v, defaultBackfillBars, log)
			if err := sched.AddJob(everySeconds(cfg.IngestInterval), &daemon.IngestJob{Worker: ingestWorker}); err != nil {
				return fmt.Errorf("register ingest job: %w", err)
			}

			integrityJob := daemon.NewIntegrityJob(
				integrity.NewScanner(s, log), integrity.NewWorker(s, v, locks, log),
				symbol, tf, 500, log,
			)
			if err := sched.AddJob("@every 5m", integrityJob); err != nil {
				return fmt.Errorf("register integrity job: %w", err)
			}

			accountJob := &daemon.AccountSyncJob{Loop: reconcile.NewAccountLoop(symbol, s, v, cfg.AccountInterval, log)}
			if err := sched.AddJob(everySeconds(cfg.AccountInterval), accountJob); err != nil {
				return fmt.Errorf("register account sync job: %w", err)
			}

			orderJob := &daemon.OrderSyncJob{Loop: reconcile.NewOrderLoop(s, v, cfg.OrderInterval, log)}
			if err := sched.AddJob(everySeconds(cfg.OrderInterval), orderJob); err != nil {
				return fmt.Errorf("register order sync job: %w", err)
			}

			cyc := daemon.NewCycle(data, s, dec, gate, exec, cycleCfg, log)
			if err := sched.AddJob(everySeconds(cfg.IngestInterval), cyc); err != nil {
				return fmt.Errorf("register decision cycle job: %w", err)
			}

			health := healthcheck.New(s, healthcheck.DefaultConfig(symbol), log)
			if err := sched.AddJob(everySeconds(cfg.IngestInterval), health); err != nil {
				return fmt.Errorf("register healthcheck job: %w", err)
			}

			log.Info().Str("symbol", symbol).Str("timeframe", timeframe).
				Str("executor", executorMode).Str("decision_mode", decisionMode).Msg("daemon started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutdown signal received")
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "BTC-USDT-SWAP", "venue symbol to trade")
	cmd.Flags().StringVar(&timeframe, "timeframe", "15m", "decision cycle timeframe")
	cmd.Flags().StringVar(&executorMode, "executor", "simulated", "order executor: simulated|live")
	cmd.Flags().StringVar(&decisionMode, "decision-mode", "portfolio", "decision source: portfolio|llm")
	return cmd
}

// everySeconds renders a time.Duration as the scheduler's "@every" syntax.
func everySeconds(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %ds", int(d.Seconds()))
}
