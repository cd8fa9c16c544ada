package main

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/aristath/perpcore/internal/artifacts"
	"github.com/aristath/perpcore/internal/backtest"
	"github.com/aristath/perpcore/internal/dataservice"
	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/strategy"
)

const backtestTimeLayout = "2006-01-02"

func newBacktestCmd() *cobra.Command {
	var symbol string
	var timeframe string
	var strategyID string
	var startStr string
	var endStr string
	var capital float64
	var feeRate float64

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay history through one strategy and record the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			log := newLogger(cfg)

			start, err := time.Parse(backtestTimeLayout, startStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "perpcore: invalid --start: %v\n", err)
				os.Exit(exitConfigError)
			}
			end, err := time.Parse(backtestTimeLayout, endStr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "perpcore: invalid --end: %v\n", err)
				os.Exit(exitConfigError)
			}

			s := openStoreOrExit(cfg)
			defer s.Close()

			data := dataservice.New(s)
			registry := strategy.DefaultRegistry()
			eng := backtest.New(data, registry, log)

			req := backtest.Request{
				Symbol: symbol, Timeframe: domain.Timeframe(timeframe),
				StartTs: start.UTC().UnixMilli(), EndTs: end.UTC().UnixMilli(),
				InitialCapital: decimal.NewFromFloat(capital), StrategyID: strategyID,
				FeeRate: decimal.NewFromFloat(feeRate), SlippageBps: decimal.NewFromFloat(2),
				Leverage: cfg.PortfolioGlobalLeverage, DiffThresholdBps: cfg.PortfolioDiffThresholdBps,
				FundingEnabled: true,
			}

			run, err := eng.Run(cmd.Context(), req, backtest.DefaultIndicatorConfig())
			if err != nil {
				return fmt.Errorf("backtest run: %w", err)
			}

			if err := s.SaveBacktestRun(cmd.Context(), *run, nil, nil, nil); err != nil {
				return fmt.Errorf("save backtest run: %w", err)
			}

			log.Info().Str("run_id", run.RunID).Msg("backtest run saved")

			if cfg.ArtifactBucket != "" {
				uploader, err := artifacts.NewS3Uploader(cmd.Context(), cfg.ArtifactBucket)
				if err != nil {
					log.Warn().Err(err).Msg("artifact bucket configured but uploader init failed, skipping archival")
				} else {
					key := fmt.Sprintf("backtests/%s/equity_curve.json", run.RunID)
					if err := uploader.PutJSON(cmd.Context(), key, []byte(run.EquityCurveJSON)); err != nil {
						log.Warn().Err(err).Str("key", key).Msg("equity curve archival failed")
					} else {
						log.Info().Str("bucket", cfg.ArtifactBucket).Str("key", key).Msg("equity curve archived")
					}
				}
			}

			fmt.Println(run.MetricsJSON)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "BTC-USDT-SWAP", "venue symbol to replay")
	cmd.Flags().StringVar(&timeframe, "timeframe", "15m", "candle timeframe")
	cmd.Flags().StringVar(&strategyID, "strategy", "ema_trend", "strategy id to replay")
	cmd.Flags().StringVar(&startStr, "start", "", "start date, YYYY-MM-DD")
	cmd.Flags().StringVar(&endStr, "end", "", "end date, YYYY-MM-DD")
	cmd.Flags().Float64Var(&capital, "capital", 10000, "initial capital")
	cmd.Flags().Float64Var(&feeRate, "fee", 0.0006, "taker fee rate, e.g. 0.0006 for 6bps")

	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}
