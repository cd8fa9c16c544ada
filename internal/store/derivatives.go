package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
)

// UpsertFunding inserts-or-ignores a funding rate row keyed (symbol, ts_ms).
func (s *Store) UpsertFunding(ctx context.Context, f domain.FundingRate) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO funding_rates(symbol, ts_ms, rate, next_funding_ts_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, ts_ms) DO NOTHING
	`, f.Symbol, f.TsMillis, f.Rate.String(), f.NextFundingTs)
	return err
}

// LatestFunding returns the most recent funding rate for symbol.
func (s *Store) LatestFunding(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT symbol, ts_ms, rate, next_funding_ts_ms FROM funding_rates
		WHERE symbol = ? ORDER BY ts_ms DESC LIMIT 1
	`, symbol)
	var f domain.FundingRate
	var rate string
	if err := row.Scan(&f.Symbol, &f.TsMillis, &rate, &f.NextFundingTs); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("latest funding: %w", err)
	}
	var err error
	if f.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}
	return &f, nil
}

// RecentFunding returns the last n funding rates, oldest first, used by the
// funding-arbitrage strategy's "sustained >= 2 settlement periods" check.
func (s *Store) RecentFunding(ctx context.Context, symbol string, n int) ([]domain.FundingRate, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT symbol, ts_ms, rate, next_funding_ts_ms FROM (
			SELECT * FROM funding_rates WHERE symbol = ? ORDER BY ts_ms DESC LIMIT ?
		) sub ORDER BY ts_ms ASC
	`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("recent funding: %w", err)
	}
	defer rows.Close()
	var out []domain.FundingRate
	for rows.Next() {
		var f domain.FundingRate
		var rate string
		if err := rows.Scan(&f.Symbol, &f.TsMillis, &rate, &f.NextFundingTs); err != nil {
			return nil, err
		}
		if f.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertPriceSnapshot inserts-or-ignores a last/mark/index triple.
func (s *Store) UpsertPriceSnapshot(ctx context.Context, p domain.PriceSnapshot) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO price_snapshots(symbol, ts_ms, last, mark, idx)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts_ms) DO NOTHING
	`, p.Symbol, p.TsMillis, p.Last.String(), p.Mark.String(), p.Index.String())
	return err
}

// LatestPrices returns the most recent price snapshot for symbol.
func (s *Store) LatestPrices(ctx context.Context, symbol string) (*domain.PriceSnapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT symbol, ts_ms, last, mark, idx FROM price_snapshots
		WHERE symbol = ? ORDER BY ts_ms DESC LIMIT 1
	`, symbol)
	var p domain.PriceSnapshot
	var last, mark, idx string
	if err := row.Scan(&p.Symbol, &p.TsMillis, &last, &mark, &idx); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("latest prices: %w", err)
	}
	var err error
	if p.Last, err = decimal.NewFromString(last); err != nil {
		return nil, err
	}
	if p.Mark, err = decimal.NewFromString(mark); err != nil {
		return nil, err
	}
	if p.Index, err = decimal.NewFromString(idx); err != nil {
		return nil, err
	}
	return &p, nil
}
