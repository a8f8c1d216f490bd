package tradedb

import (
	"database/sql"
	"strings"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
)

// RecordOrder inserts an order row. Inserting an exchange order id that is
// already present is a no-op that returns the existing row id — reconnect
// replays and duplicate events collapse onto one row.
func (s *Store) RecordOrder(rec models.OrderRecord) int64 {
	if rec.ExchangeOrderID != "" {
		var existing int64
		err := s.db.QueryRow(`SELECT id FROM orders WHERE exchange_order_id = ?`,
			rec.ExchangeOrderID).Scan(&existing)
		if err == nil {
			return existing
		}
		if err != sql.ErrNoRows {
			s.logger.Errorf("record_order lookup %s: %v", rec.ExchangeOrderID, err)
			return 0
		}
	}

	res, err := s.db.Exec(`
		INSERT INTO orders (trade_id, strategy_id, instrument_id, direction, side,
			order_type, quantity, limit_price, status, submitted_time, filled_time,
			filled_qty, avg_fill_price, commission, exchange_order_id, client_order_id, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(rec.TradeID), rec.StrategyID, rec.InstrumentID, rec.Direction,
		string(rec.Side), string(rec.Type), rec.Quantity, rec.LimitPrice, rec.Status,
		encodeTime(rec.SubmittedTime), encodeTimePtr(rec.FilledTime),
		rec.FilledQty, rec.AvgFillPrice, rec.Commission,
		nullStr(rec.ExchangeOrderID), nullStr(rec.ClientOrderID), nullStr(rec.Raw))
	if err != nil {
		// Races with a concurrent insert of the same exchange id resolve to
		// the winner's row.
		if rec.ExchangeOrderID != "" && strings.Contains(err.Error(), "UNIQUE constraint") {
			var existing int64
			if e := s.db.QueryRow(`SELECT id FROM orders WHERE exchange_order_id = ?`,
				rec.ExchangeOrderID).Scan(&existing); e == nil {
				return existing
			}
		}
		s.logger.Errorf("record_order: %v", err)
		return 0
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.logger.Errorf("record_order id: %v", err)
		return 0
	}
	return id
}

// OrderPatch carries the optional fields UpdateOrder may change. Nil fields
// are left untouched.
type OrderPatch struct {
	Status       *string
	TradeID      *string
	FilledQty    *float64
	AvgFillPrice *float64
	FilledTime   *time.Time
	Commission   *float64
	Quantity     *float64
}

// UpdateOrder patches the row keyed by exchange order id. It reports whether
// a row matched; a missing row is a no-op.
func (s *Store) UpdateOrder(exchangeOrderID string, patch OrderPatch) bool {
	if exchangeOrderID == "" {
		return false
	}
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.TradeID != nil {
		add("trade_id", *patch.TradeID)
	}
	if patch.FilledQty != nil {
		add("filled_qty", *patch.FilledQty)
	}
	if patch.AvgFillPrice != nil {
		add("avg_fill_price", *patch.AvgFillPrice)
	}
	if patch.FilledTime != nil {
		add("filled_time", encodeTime(*patch.FilledTime))
	}
	if patch.Commission != nil {
		add("commission", *patch.Commission)
	}
	if patch.Quantity != nil {
		add("quantity", *patch.Quantity)
	}
	if len(sets) == 0 {
		return false
	}
	args = append(args, exchangeOrderID)

	res, err := s.db.Exec(
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE exchange_order_id = ?`, args...)
	if err != nil {
		s.logger.Errorf("update_order %s: %v", exchangeOrderID, err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false
	}
	return n > 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
