package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aristath/perpcore/internal/domain"
)

// CreateOrder inserts a NEW order. The client_order_id is written before any
// network call the caller makes, which is what makes retries idempotent
// (spec §4.11, §8).
func (s *Store) CreateOrder(ctx context.Context, o domain.Order) (int64, error) {
	now := nowMs()
	var price interface{}
	if o.Price != nil {
		price = o.Price.String()
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO orders(client_order_id, exchange_order_id, symbol, side, type, price, amount, leverage, status, time_in_force, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ClientOrderID, nullableString(o.ExchangeOrderID), o.Symbol, string(o.Side), string(o.Type),
		price, o.Amount.String(), o.Leverage, string(domain.OrderNew), string(o.TimeInForce), now, now)
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}
	return res.LastInsertId()
}

// OrderByClientID looks up an order by its client-generated id, the
// idempotency key for order submission (spec §4.11, §8).
func (s *Store) OrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, client_order_id, COALESCE(exchange_order_id, ''), symbol, side, type,
		       price, amount, leverage, status, time_in_force, created_at_ms, updated_at_ms
		FROM orders WHERE client_order_id = ?
	`, clientOrderID)
	return scanOrder(row)
}

// OrderByID looks up an order by its internal row id.
func (s *Store) OrderByID(ctx context.Context, id int64) (*domain.Order, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, client_order_id, COALESCE(exchange_order_id, ''), symbol, side, type,
		       price, amount, leverage, status, time_in_force, created_at_ms, updated_at_ms
		FROM orders WHERE id = ?
	`, id)
	return scanOrder(row)
}

// OpenOrders returns every order not yet in a terminal state, used by the
// Order Sync reconciliation loop (spec §4.12).
func (s *Store) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, client_order_id, COALESCE(exchange_order_id, ''), symbol, side, type,
		       price, amount, leverage, status, time_in_force, created_at_ms, updated_at_ms
		FROM orders WHERE status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'EXPIRED')
		ORDER BY created_at_ms ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	o, err := scanOrderScanner(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return o, err
}

func scanOrderRows(rows *sql.Rows) (*domain.Order, error) {
	return scanOrderScanner(rows)
}

func scanOrderScanner(sc rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, typ, status, tif string
	var price sql.NullString
	var amount string
	if err := sc.Scan(&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &side, &typ,
		&price, &amount, &o.Leverage, &status, &tif, &o.CreatedAtMs, &o.UpdatedAtMs); err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	var err error
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, err
		}
		o.Price = &d
	}
	return &o, nil
}

// SetExchangeOrderID records the venue's order id once acknowledged.
func (s *Store) SetExchangeOrderID(ctx context.Context, orderID int64, exchangeOrderID string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE orders SET exchange_order_id = ?, updated_at_ms = ? WHERE id = ?`,
		exchangeOrderID, nowMs(), orderID)
	return err
}

// AppendLifecycleEvent appends one OrderLifecycleEvent and advances the
// order's status, iff the transition is legal (spec §4.1's
// appendLifecycleEvent contract, §4.11's state machine). Fill events also
// insert a Trade in the same transaction. The positions row is not updated
// here.
func (s *Store) AppendLifecycleEvent(ctx context.Context, ev domain.OrderLifecycleEvent) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, ev.OrderID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return domain.ErrNotFound
			}
			return err
		}
		from := domain.OrderStatus(current)
		if from != ev.Status && !domain.CanTransition(from, ev.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, ev.Status)
		}

		var fillQty, fillPrice, fee interface{}
		if ev.FillQty != nil {
			fillQty = ev.FillQty.String()
		}
		if ev.FillPrice != nil {
			fillPrice = ev.FillPrice.String()
		}
		if ev.Fee != nil {
			fee = ev.Fee.String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_lifecycle_events(order_id, status, ts_ms, exchange_status, fill_qty, fill_price, fee, raw_payload, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.OrderID, string(ev.Status), ev.TsMillis, nullableString(ev.ExchangeStatus), fillQty, fillPrice, fee, ev.RawPayload, nullableString(ev.Source)); err != nil {
			return fmt.Errorf("insert lifecycle event: %w", err)
		}

		if from != ev.Status {
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at_ms = ? WHERE id = ?`,
				string(ev.Status), ev.TsMillis, ev.OrderID); err != nil {
				return fmt.Errorf("update order status: %w", err)
			}
		}

		if (ev.Status == domain.OrderPartiallyFilled || ev.Status == domain.OrderFilled) && ev.FillQty != nil && ev.FillPrice != nil {
			var orderIDRow sql.NullInt64
			var symbol, sideStr string
			if err := tx.QueryRowContext(ctx, `SELECT id, symbol, side FROM orders WHERE id = ?`, ev.OrderID).
				Scan(&orderIDRow, &symbol, &sideStr); err != nil {
				return err
			}
			fee := decimal.Zero
			if ev.Fee != nil {
				fee = *ev.Fee
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trades(order_id, symbol, side, price, amount, fee, fee_currency, ts_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, ev.OrderID, symbol, sideStr, ev.FillPrice.String(), ev.FillQty.String(), fee.String(), "USDT", ev.TsMillis); err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
		}
		return nil
	})
}

// LifecycleEvents returns every event for an order, in append order — the
// source of truth for reconstructing an order (spec §3).
func (s *Store) LifecycleEvents(ctx context.Context, orderID int64) ([]domain.OrderLifecycleEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, order_id, status, ts_ms, COALESCE(exchange_status, ''), fill_qty, fill_price, fee, raw_payload, COALESCE(source, '')
		FROM order_lifecycle_events WHERE order_id = ? ORDER BY ts_ms ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OrderLifecycleEvent
	for rows.Next() {
		var e domain.OrderLifecycleEvent
		var status string
		var fillQty, fillPrice, fee sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &status, &e.TsMillis, &e.ExchangeStatus, &fillQty, &fillPrice, &fee, &e.RawPayload, &e.Source); err != nil {
			return nil, err
		}
		e.Status = domain.OrderStatus(status)
		if fillQty.Valid {
			d, err := decimal.NewFromString(fillQty.String)
			if err != nil {
				return nil, err
			}
			e.FillQty = &d
		}
		if fillPrice.Valid {
			d, err := decimal.NewFromString(fillPrice.String)
			if err != nil {
				return nil, err
			}
			e.FillPrice = &d
		}
		if fee.Valid {
			d, err := decimal.NewFromString(fee.String)
			if err != nil {
				return nil, err
			}
			e.Fee = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TradesForOrder returns every Trade recorded against an order.
func (s *Store) TradesForOrder(ctx context.Context, orderID int64) ([]domain.Trade, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, amount, fee, fee_currency, realized_pnl, ts_ms
		FROM trades WHERE order_id = ? ORDER BY ts_ms ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var price, amount, fee string
		var pnl sql.NullString
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &price, &amount, &fee, &t.FeeCurrency, &pnl, &t.TsMillis); err != nil {
			return nil, err
		}
		var err error
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if pnl.Valid {
			d, err := decimal.NewFromString(pnl.String)
			if err != nil {
				return nil, err
			}
			t.RealizedPnl = &d
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertPosition writes the current net position row for a symbol.
func (s *Store) UpsertPosition(ctx context.Context, p domain.Position) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO positions(symbol, side, size, entry_price, leverage, unrealized_pnl, margin, liquidation_price, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side=excluded.side, size=excluded.size, entry_price=excluded.entry_price,
			leverage=excluded.leverage, unrealized_pnl=excluded.unrealized_pnl,
			margin=excluded.margin, liquidation_price=excluded.liquidation_price,
			updated_at_ms=excluded.updated_at_ms
	`, p.Symbol, string(p.Side), p.Size.String(), p.EntryPrice.String(), p.Leverage,
		p.UnrealizedPnl.String(), p.Margin.String(), p.LiquidationPrice.String(), p.UpdatedAtMs)
	return err
}

// CurrentPosition reads the current net position for a symbol, returning a
// flat zero-position if none exists yet.
func (s *Store) CurrentPosition(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT symbol, side, size, entry_price, leverage, unrealized_pnl, margin, liquidation_price, updated_at_ms
		FROM positions WHERE symbol = ?
	`, symbol)
	var p domain.Position
	var side, size, entry, upnl, margin, liq string
	if err := row.Scan(&p.Symbol, &side, &size, &entry, &p.Leverage, &upnl, &margin, &liq, &p.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return domain.Position{Symbol: symbol, Side: domain.PositionFlat, Size: decimal.Zero,
				EntryPrice: decimal.Zero, UnrealizedPnl: decimal.Zero, Margin: decimal.Zero,
				LiquidationPrice: decimal.Zero}, nil
		}
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	var err error
	if p.Size, err = decimal.NewFromString(size); err != nil {
		return p, err
	}
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return p, err
	}
	if p.UnrealizedPnl, err = decimal.NewFromString(upnl); err != nil {
		return p, err
	}
	if p.Margin, err = decimal.NewFromString(margin); err != nil {
		return p, err
	}
	if p.LiquidationPrice, err = decimal.NewFromString(liq); err != nil {
		return p, err
	}
	return p, nil
}

// InsertRiskEvent records one risk gate audit row (spec §3, §4.10).
func (s *Store) InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO risk_events(ts_ms, symbol, level, rule, details) VALUES (?, ?, ?, ?, ?)
	`, e.TsMillis, e.Symbol, string(e.Level), e.Rule, e.Details)
	return err
}

// ListRiskEvents returns risk events for a symbol newest-first, for audit
// review and test assertions.
func (s *Store) ListRiskEvents(ctx context.Context, symbol string, limit int) ([]domain.RiskEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, ts_ms, symbol, level, rule, details FROM risk_events
		WHERE symbol = ? ORDER BY ts_ms DESC, id DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RiskEvent
	for rows.Next() {
		var e domain.RiskEvent
		var level string
		if err := rows.Scan(&e.ID, &e.TsMillis, &e.Symbol, &level, &e.Rule, &e.Details); err != nil {
			return nil, err
		}
		e.Level = domain.RiskLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertBalanceSnapshot and InsertPositionSnapshot persist periodic
// reconciliation records (spec §4.12).
func (s *Store) InsertBalanceSnapshot(ctx context.Context, b domain.BalanceSnapshot) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO balance_snapshots(exchange, account_id, ts_ms, currency, total, available, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.Exchange, b.AccountID, b.TsMillis, b.Currency, b.Total.String(), b.Available.String(), b.RawPayload)
	return err
}

func (s *Store) InsertPositionSnapshot(ctx context.Context, p domain.PositionSnapshot) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO position_snapshots(exchange, account_id, ts_ms, symbol, side, size, entry_price, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Exchange, p.AccountID, p.TsMillis, p.Symbol, string(p.Side), p.Size.String(), p.EntryPrice.String(), p.RawPayload)
	return err
}

// LatestBalance returns the most recently reconciled balance for currency,
// or domain.ErrNotFound before the first Account Sync cycle has run.
func (s *Store) LatestBalance(ctx context.Context, currency string) (*domain.BalanceSnapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, exchange, account_id, ts_ms, currency, total, available
		FROM balance_snapshots WHERE currency = ? ORDER BY ts_ms DESC LIMIT 1
	`, currency)

	var b domain.BalanceSnapshot
	var total, available string
	if err := row.Scan(&b.ID, &b.Exchange, &b.AccountID, &b.TsMillis, &b.Currency, &total, &available); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var err error
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertDecision persists one decision cycle row, allocations encoded as JSON
// (spec §3, §4.9).
func (s *Store) InsertDecision(ctx context.Context, d domain.Decision) (int64, error) {
	blob, err := json.Marshal(d.Allocations)
	if err != nil {
		return 0, fmt.Errorf("marshal allocations: %w", err)
	}
	var stop, tp interface{}
	if d.Stop != nil {
		stop = d.Stop.String()
	}
	if d.TakeProfit != nil {
		tp = d.TakeProfit.String()
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO decisions(ts_ms, symbol, timeframe, regime, allocations_json, total_position, confidence, stop_price, take_profit_price, reasoning, prompt_version, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.TsMillis, d.Symbol, string(d.Timeframe), string(d.Regime), string(blob), d.TotalPosition, d.Confidence,
		stop, tp, d.Reasoning, nullableString(d.PromptVersion), nullableString(d.ModelVersion))
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// RecentDecisions returns the last n decisions, most recent last, used by the
// Decision Engine's feedback context (spec §4.8) and by Portfolio Scheduler
// performance scoring (spec §4.9).
func (s *Store) RecentDecisions(ctx context.Context, symbol string, n int) ([]domain.Decision, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT ts_ms, symbol, timeframe, regime, allocations_json, total_position, confidence,
		       stop_price, take_profit_price,
		       COALESCE(reasoning, ''), COALESCE(prompt_version, ''), COALESCE(model_version, '')
		FROM (
			SELECT * FROM decisions WHERE symbol = ? ORDER BY ts_ms DESC LIMIT ?
		) sub ORDER BY ts_ms ASC
	`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var tf, regime, allocBlob string
		var stop, tp sql.NullString
		if err := rows.Scan(&d.TsMillis, &d.Symbol, &tf, &regime, &allocBlob, &d.TotalPosition, &d.Confidence,
			&stop, &tp, &d.Reasoning, &d.PromptVersion, &d.ModelVersion); err != nil {
			return nil, err
		}
		d.Timeframe = domain.Timeframe(tf)
		d.Regime = domain.Regime(regime)
		if err := json.Unmarshal([]byte(allocBlob), &d.Allocations); err != nil {
			return nil, err
		}
		if stop.Valid {
			v, err := decimal.NewFromString(stop.String)
			if err != nil {
				return nil, err
			}
			d.Stop = &v
		}
		if tp.Valid {
			v, err := decimal.NewFromString(tp.String)
			if err != nil {
				return nil, err
			}
			d.TakeProfit = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertLLMRun records one Decision Engine call for audit (spec §4.8).
func (s *Store) InsertLLMRun(ctx context.Context, tsMs int64, request, response []byte, latencyMs int64, outcome, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO llm_runs(ts_ms, request_blob, response_blob, latency_ms, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tsMs, request, response, latencyMs, outcome, nullableString(errMsg))
	return err
}
