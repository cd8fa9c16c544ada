package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/perpcore/internal/domain"
	"github.com/aristath/perpcore/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var symbol string
	var timeframes []string
	var sinceDays int

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "One-shot historical backfill for one or more timeframes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			log := newLogger(cfg)

			s := openStoreOrExit(cfg)
			defer s.Close()

			v := newLiveOrSimulatedVenue(cfg, log)

			for _, tfStr := range timeframes {
				tf := domain.Timeframe(strings.TrimSpace(tfStr))
				backfillBars := sinceDays * int(86400000/tf.Millis())
				w := ingest.NewWorker(symbol, tf, s, v, backfillBars, log)

				total := 0
				for {
					n, err := w.Tick(cmd.Context())
					if err != nil {
						fmt.Fprintf(os.Stderr, "perpcore: ingest %s %s: %v\n", symbol, tf, err)
						os.Exit(exitVenueUnreachable)
					}
					total += n
					if n == 0 {
						break
					}
				}
				log.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int("bars", total).Msg("backfill complete")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "BTC-USDT-SWAP", "venue symbol to backfill")
	cmd.Flags().StringSliceVar(&timeframes, "timeframes", []string{"15m"}, "comma-separated timeframes (15m,1h,4h,1d)")
	cmd.Flags().IntVar(&sinceDays, "since-days", 30, "days of history to backfill on first run")
	return cmd
}
