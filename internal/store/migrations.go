package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only, idempotent schema step (spec §4.1, §6).
type migration struct {
	version int
	name    string
	sql     string
}

// migrations lists every migration in ascending order. Numbers must never be
// reordered or reused once released.
var migrations = []migration{
	{1, "schema_version", `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at_ms INTEGER NOT NULL
		);
	`},
	{2, "candles", `
		CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts_ms)
		);
		CREATE INDEX IF NOT EXISTS idx_candles_range ON candles(symbol, timeframe, ts_ms);
	`},
	{3, "funding_and_prices", `
		CREATE TABLE IF NOT EXISTS funding_rates (
			symbol TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			rate TEXT NOT NULL,
			next_funding_ts_ms INTEGER NOT NULL,
			PRIMARY KEY (symbol, ts_ms)
		);
		CREATE TABLE IF NOT EXISTS price_snapshots (
			symbol TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			last TEXT NOT NULL,
			mark TEXT NOT NULL,
			idx TEXT NOT NULL,
			PRIMARY KEY (symbol, ts_ms)
		);
	`},
	{4, "ingestion_runs", `
		CREATE TABLE IF NOT EXISTS ingestion_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER,
			rows_inserted INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT
		);
	`},
	{5, "integrity_and_repair", `
		CREATE TABLE IF NOT EXISTS integrity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			type TEXT NOT NULL,
			start_ts_ms INTEGER NOT NULL,
			end_ts_ms INTEGER NOT NULL,
			expected_bars INTEGER NOT NULL,
			actual_bars INTEGER NOT NULL,
			severity TEXT NOT NULL,
			detected_at_ms INTEGER NOT NULL,
			repair_job_id TEXT
		);
		CREATE TABLE IF NOT EXISTS repair_jobs (
			job_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts_ms INTEGER NOT NULL,
			end_ts_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			repaired_bars INTEGER NOT NULL DEFAULT 0,
			message TEXT
		);
	`},
	{6, "decisions", `
		CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			regime TEXT NOT NULL,
			allocations_json TEXT NOT NULL,
			total_position REAL NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT,
			prompt_version TEXT,
			model_version TEXT
		);
		CREATE TABLE IF NOT EXISTS llm_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			request_blob BLOB,
			response_blob BLOB,
			latency_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT
		);
	`},
	{7, "orders", `
		CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_order_id TEXT NOT NULL UNIQUE,
			exchange_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			price TEXT,
			amount TEXT NOT NULL,
			leverage REAL NOT NULL,
			status TEXT NOT NULL,
			time_in_force TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS order_lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			status TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			exchange_status TEXT,
			fill_qty TEXT,
			fill_price TEXT,
			fee TEXT,
			raw_payload BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_events_order ON order_lifecycle_events(order_id, ts_ms);
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			fee_currency TEXT NOT NULL,
			realized_pnl TEXT,
			ts_ms INTEGER NOT NULL
		);
	`},
	{8, "positions_and_snapshots", `
		CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			leverage REAL NOT NULL,
			unrealized_pnl TEXT NOT NULL,
			margin TEXT NOT NULL,
			liquidation_price TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS balance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			account_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			currency TEXT NOT NULL,
			total TEXT NOT NULL,
			available TEXT NOT NULL,
			raw_payload BLOB
		);
		CREATE TABLE IF NOT EXISTS position_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			account_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			raw_payload BLOB
		);
	`},
	{9, "risk_events", `
		CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			level TEXT NOT NULL,
			rule TEXT NOT NULL,
			details TEXT
		);
	`},
	{10, "backtests", `
		CREATE TABLE IF NOT EXISTS backtest_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			created_at_ms INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_ts_ms INTEGER NOT NULL,
			end_ts_ms INTEGER NOT NULL,
			initial_capital TEXT NOT NULL,
			params_json TEXT NOT NULL,
			metrics_json TEXT,
			equity_curve_json TEXT,
			schema_version INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(run_id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_ts_ms INTEGER NOT NULL,
			exit_ts_ms INTEGER NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			amount TEXT NOT NULL,
			fee TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			return_pct REAL NOT NULL
		);
		CREATE TABLE IF NOT EXISTS backtest_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(run_id),
			ts_ms INTEGER NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			equity TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS backtest_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES backtest_runs(run_id),
			ts_ms INTEGER NOT NULL,
			regime TEXT NOT NULL,
			total_position REAL NOT NULL,
			confidence REAL NOT NULL
		);
	`},
	{11, "decision_brackets_and_event_source", `
		ALTER TABLE decisions ADD COLUMN stop_price TEXT;
		ALTER TABLE decisions ADD COLUMN take_profit_price TEXT;
		ALTER TABLE order_lifecycle_events ADD COLUMN source TEXT;
	`},
}

// migrate applies every migration whose version is not yet recorded in
// schema_version, each in its own transaction, in ascending order (spec §4.1,
// §6: "Migration numbers 001..00N, applied in order... forward-only and
// idempotent").
func (s *Store) migrate(ctx context.Context) error {
	// Migration 1 creates schema_version itself, so bootstrap it outside a
	// lookup against a table that may not exist yet.
	if _, err := s.conn.ExecContext(ctx, migrations[0].sql); err != nil {
		return fmt.Errorf("bootstrap schema_version: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.conn.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_version(version, name, applied_at_ms) VALUES (?, ?, ?)`,
				m.version, m.name, nowMs())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
