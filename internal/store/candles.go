package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
)

// UpsertCandles inserts-or-ignores rows keyed by (symbol, timeframe, ts_ms),
// giving the idempotence spec §8 requires for repeated ingestion over the
// same range. It never overwrites an existing row, matching "Candle... is
// read-only thereafter" (spec §3); repair uses ReplaceCandle instead.
func (s *Store) UpsertCandles(ctx context.Context, rows []domain.Candle) (inserted int, err error) {
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candles(symbol, timeframe, ts_ms, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timeframe, ts_ms) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range rows {
			if !c.Valid() {
				return fmt.Errorf("store: invalid candle %s %s ts=%d", c.Symbol, c.Timeframe, c.TsMillis)
			}
			res, err := stmt.ExecContext(ctx, c.Symbol, string(c.Timeframe), c.TsMillis,
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
			if err != nil {
				return fmt.Errorf("upsert candle ts=%d: %w", c.TsMillis, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

// ReplaceCandle overwrites an existing row with authoritative repair values,
// keyed by the same (symbol, timeframe, ts_ms) identity (spec §3).
func (s *Store) ReplaceCandle(ctx context.Context, c domain.Candle) error {
	if !c.Valid() {
		return fmt.Errorf("store: invalid repaired candle ts=%d", c.TsMillis)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO candles(symbol, timeframe, ts_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, ts_ms) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume
	`, c.Symbol, string(c.Timeframe), c.TsMillis,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
	return err
}

// LatestCandleTs returns the ts_ms of the most recently stored bar, or 0 if
// none exist yet (used by Ingest to compute `since`, spec §4.2).
func (s *Store) LatestCandleTs(ctx context.Context, symbol string, tf domain.Timeframe) (int64, error) {
	var ts sql.NullInt64
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(ts_ms) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, string(tf)).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("latest candle ts: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// GetCandles returns up to `limit` of the most recent candles, oldest first,
// a defensive copy sized to what's available (spec §4.3).
func (s *Store) GetCandles(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT symbol, timeframe, ts_ms, open, high, low, close, volume
		FROM (
			SELECT * FROM candles WHERE symbol = ? AND timeframe = ?
			ORDER BY ts_ms DESC LIMIT ?
		) sub
		ORDER BY ts_ms ASC
	`, symbol, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetCandlesRange returns every candle with ts_ms in [startTs, endTs].
func (s *Store) GetCandlesRange(ctx context.Context, symbol string, tf domain.Timeframe, startTs, endTs int64) ([]domain.Candle, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT symbol, timeframe, ts_ms, open, high, low, close, volume
		FROM candles WHERE symbol = ? AND timeframe = ? AND ts_ms BETWEEN ? AND ?
		ORDER BY ts_ms ASC
	`, symbol, string(tf), startTs, endTs)
	if err != nil {
		return nil, fmt.Errorf("get candles range: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]domain.Candle, error) {
	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tf string
		var open, high, low, close, volume string
		if err := rows.Scan(&c.Symbol, &tf, &c.TsMillis, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tf)
		var err error
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, err
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		if c.Close, err = decimal.NewFromString(close); err != nil {
			return nil, err
		}
		if c.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordIngestionRun writes one ingestion_runs row (spec §4.2 step 4).
func (s *Store) RecordIngestionRun(ctx context.Context, symbol string, tf domain.Timeframe, startedMs, finishedMs int64, rowsInserted int, status, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO ingestion_runs(symbol, timeframe, started_at_ms, finished_at_ms, rows_inserted, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, symbol, string(tf), startedMs, finishedMs, rowsInserted, status, nullableString(errMsg))
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
