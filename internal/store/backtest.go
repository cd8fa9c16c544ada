package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/perpcore/internal/domain"
)

// SaveBacktestRun writes one BacktestRun plus its BacktestTrade,
// BacktestPosition, and BacktestDecision children atomically (spec §4.13
// step 5).
func (s *Store) SaveBacktestRun(ctx context.Context, run domain.BacktestRun, trades []domain.BacktestTrade, positions []domain.BacktestPosition, decisions []domain.BacktestDecision) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_runs(run_id, created_at_ms, symbol, timeframe, start_ts_ms, end_ts_ms, initial_capital, params_json, metrics_json, equity_curve_json, schema_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.RunID, run.CreatedAtMs, run.Symbol, string(run.Timeframe), run.StartTs, run.EndTs,
			run.InitialCapital.String(), run.ParamsJSON, run.MetricsJSON, run.EquityCurveJSON, run.SchemaVersion); err != nil {
			return fmt.Errorf("insert backtest_run: %w", err)
		}

		tradeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_trades(run_id, symbol, side, entry_ts_ms, exit_ts_ms, entry_price, exit_price, amount, fee, realized_pnl, return_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer tradeStmt.Close()
		for _, t := range trades {
			if _, err := tradeStmt.ExecContext(ctx, run.RunID, t.Symbol, string(t.Side), t.EntryTs, t.ExitTs,
				t.EntryPrice.String(), t.ExitPrice.String(), t.Amount.String(), t.Fee.String(),
				t.RealizedPnl.String(), t.ReturnPct); err != nil {
				return fmt.Errorf("insert backtest_trade: %w", err)
			}
		}

		posStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_positions(run_id, ts_ms, side, size, equity) VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer posStmt.Close()
		for _, p := range positions {
			if _, err := posStmt.ExecContext(ctx, run.RunID, p.TsMillis, string(p.Side), p.Size.String(), p.Equity.String()); err != nil {
				return fmt.Errorf("insert backtest_position: %w", err)
			}
		}

		decStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_decisions(run_id, ts_ms, regime, total_position, confidence) VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer decStmt.Close()
		for _, d := range decisions {
			if _, err := decStmt.ExecContext(ctx, run.RunID, d.TsMillis, string(d.Regime), d.TotalPosition, d.Confidence); err != nil {
				return fmt.Errorf("insert backtest_decision: %w", err)
			}
		}
		return nil
	})
}

// BacktestRunByID loads a persisted run by its run_id.
func (s *Store) BacktestRunByID(ctx context.Context, runID string) (*domain.BacktestRun, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, run_id, created_at_ms, symbol, timeframe, start_ts_ms, end_ts_ms, initial_capital,
		       params_json, COALESCE(metrics_json, ''), COALESCE(equity_curve_json, ''), schema_version
		FROM backtest_runs WHERE run_id = ?
	`, runID)
	var r domain.BacktestRun
	var tf, capital string
	if err := row.Scan(&r.ID, &r.RunID, &r.CreatedAtMs, &r.Symbol, &tf, &r.StartTs, &r.EndTs, &capital,
		&r.ParamsJSON, &r.MetricsJSON, &r.EquityCurveJSON, &r.SchemaVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	r.Timeframe = domain.Timeframe(tf)
	return &r, nil
}
