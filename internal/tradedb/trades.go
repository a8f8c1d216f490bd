package tradedb

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
)

// StartTrade inserts a new OPEN trade row and registers its in-memory
// tracker. ErrInvalidTrade when either id is blank, ErrTradeExists when the
// trade id is already taken.
func (s *Store) StartTrade(t models.TradeRecord) error {
	if t.TradeID == "" || t.StrategyID == "" {
		return ErrInvalidTrade
	}
	t.Status = models.TradeOpen

	_, err := s.db.Exec(`
		INSERT INTO trades (trade_id, strategy_id, instrument_id, trade_type, direction,
			quantity, entry_time, entry_price, max_profit, max_loss, strikes, legs, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.StrategyID, t.InstrumentID, t.TradeType, t.Direction,
		t.Quantity, encodeTime(t.EntryTime), t.EntryPrice, t.MaxProfit, t.MaxLoss,
		encodeJSON(t.Strikes), encodeJSON(t.Legs), string(t.Status))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrTradeExists
		}
		s.logger.Errorf("start_trade %s: %v", t.TradeID, err)
		return nil // swallow-and-log: trading continues without the row
	}

	s.mu.Lock()
	s.trackers[t.TradeID] = &tracker{}
	s.mu.Unlock()

	s.logger.Infof("trade %s opened: %s %s x%.0f @ %.2f",
		t.TradeID, t.StrategyID, t.TradeType, t.Quantity, t.EntryPrice)
	return nil
}

// UpdateTradeMetrics feeds one unrealized-PnL observation into the trade's
// tracker: the profit extremum only ever rises, the loss extremum only ever
// falls (stamping its time). The (ts, pnl) sample joins a ring capped at
// snapshotCap; the row is rewritten only when an extremum moved. A missing
// tracker is lazily rebuilt from the row; ErrTradeNotFound if truly absent.
func (s *Store) UpdateTradeMetrics(tradeID string, pnl float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trackers[tradeID]
	if !ok {
		loaded, err := s.loadTracker(tradeID)
		if err != nil {
			return err
		}
		tr = loaded
		s.trackers[tradeID] = tr
	}

	changed := false
	if !tr.initialized {
		tr.initialized = true
		tr.maxProfit = pnl
		tr.maxLoss = pnl
		tr.maxLossTime = ts
		changed = true
	} else {
		if pnl > tr.maxProfit {
			tr.maxProfit = pnl
			changed = true
		}
		if pnl < tr.maxLoss {
			tr.maxLoss = pnl
			tr.maxLossTime = ts
			changed = true
		}
	}

	tr.samples = append(tr.samples, models.PnLSample{Ts: ts, PnL: pnl})
	if len(tr.samples) > snapshotCap {
		tr.samples = tr.samples[len(tr.samples)-snapshotCap:]
	}

	if changed {
		_, err := s.db.Exec(`
			UPDATE trades SET max_unrealized_profit = ?, max_unrealized_loss = ?,
				max_unrealized_loss_time = ?
			WHERE trade_id = ?`,
			tr.maxProfit, tr.maxLoss, encodeTimePtr(tr.maxLossTime), tradeID)
		if err != nil {
			s.logger.Errorf("update_trade_metrics %s: %v", tradeID, err)
		}
	}
	return nil
}

func (s *Store) loadTracker(tradeID string) (*tracker, error) {
	row := s.db.QueryRow(`
		SELECT max_unrealized_profit, max_unrealized_loss, max_unrealized_loss_time, snapshots
		FROM trades WHERE trade_id = ? AND status = 'OPEN'`, tradeID)

	var tr tracker
	var lossTime, snapshots sql.NullString
	err := row.Scan(&tr.maxProfit, &tr.maxLoss, &lossTime, &snapshots)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		s.logger.Errorf("load tracker %s: %v", tradeID, err)
		return nil, ErrTradeNotFound
	}
	tr.maxLossTime = decodeTime(lossTime)
	tr.initialized = tr.maxProfit != 0 || tr.maxLoss != 0 || lossTime.Valid
	if snapshots.Valid && snapshots.String != "" {
		_ = json.Unmarshal([]byte(snapshots.String), &tr.samples)
	}
	return &tr, nil
}

// CloseTrade finalizes a trade: reads entry price and quantity from the row,
// computes gross = (exit − entry) × 100 × qty, net = gross − commission,
// derives the result from the sign of net, and persists everything including
// the tracked extrema and snapshot list. The tracker is evicted.
func (s *Store) CloseTrade(tradeID string, exitPrice float64, reason string, exitTime time.Time, commission float64) *models.TradeRecord {
	row := s.db.QueryRow(`
		SELECT entry_price, quantity, entry_time, commission FROM trades
		WHERE trade_id = ?`, tradeID)

	var entryPrice, qty, priorCommission float64
	var entryTimeStr string
	if err := row.Scan(&entryPrice, &qty, &entryTimeStr, &priorCommission); err != nil {
		s.logger.Errorf("close_trade %s: %v", tradeID, err)
		return nil
	}
	entryTime := decodeTime(sql.NullString{String: entryTimeStr, Valid: true})

	gross := (exitPrice - entryPrice) * 100 * qty
	totalCommission := priorCommission + commission
	net := gross - totalCommission

	result := models.Breakeven
	switch {
	case net > 0:
		result = models.Win
	case net < 0:
		result = models.Loss
	}

	duration := int64(0)
	if exitTime.After(entryTime) {
		duration = int64(exitTime.Sub(entryTime).Seconds())
	}

	s.mu.Lock()
	tr := s.trackers[tradeID]
	delete(s.trackers, tradeID)
	s.mu.Unlock()

	var maxProfit, maxLoss float64
	var maxLossTime time.Time
	var samples []models.PnLSample
	if tr != nil {
		maxProfit, maxLoss, maxLossTime, samples = tr.maxProfit, tr.maxLoss, tr.maxLossTime, tr.samples
	}

	_, err := s.db.Exec(`
		UPDATE trades SET exit_time = ?, exit_price = ?, gross_pnl = ?, commission = ?,
			net_pnl = ?, result = ?, max_unrealized_profit = ?, max_unrealized_loss = ?,
			max_unrealized_loss_time = ?, snapshots = ?, status = 'CLOSED',
			exit_reason = ?, duration_secs = ?
		WHERE trade_id = ?`,
		encodeTime(exitTime), exitPrice, gross, totalCommission, net, string(result),
		maxProfit, maxLoss, encodeTimePtr(maxLossTime), encodeJSON(samples),
		reason, duration, tradeID)
	if err != nil {
		s.logger.Errorf("close_trade %s: %v", tradeID, err)
		return nil
	}

	s.logger.Infof("trade %s closed: %s net %.2f (%s)", tradeID, result, net, reason)
	return s.GetTrade(tradeID)
}

// CancelTrade clears the in-memory tracker only; the row is untouched.
func (s *Store) CancelTrade(tradeID string) {
	s.mu.Lock()
	delete(s.trackers, tradeID)
	s.mu.Unlock()
}

// DeleteTrade removes an OPEN trade row and its orders. Used by the zero-fill
// timeout path where the pre-recorded trade never came into existence.
func (s *Store) DeleteTrade(tradeID string) {
	s.mu.Lock()
	delete(s.trackers, tradeID)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM orders WHERE trade_id = ?`, tradeID); err != nil {
		s.logger.Errorf("delete_trade orders %s: %v", tradeID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM trades WHERE trade_id = ? AND status = 'OPEN'`, tradeID); err != nil {
		s.logger.Errorf("delete_trade %s: %v", tradeID, err)
		return
	}
	s.logger.Infof("trade %s deleted (no fill)", tradeID)
}

// UpdateTradeQuantity rescales an OPEN trade to the quantity actually held
// after a partial-fill timeout: max_profit and max_loss shrink
// proportionally and the matching ENTRY order row is adjusted too.
func (s *Store) UpdateTradeQuantity(tradeID string, actualQty float64) {
	row := s.db.QueryRow(`SELECT quantity, max_profit, max_loss FROM trades WHERE trade_id = ?`, tradeID)
	var qty, maxProfit, maxLoss float64
	if err := row.Scan(&qty, &maxProfit, &maxLoss); err != nil {
		s.logger.Errorf("update_trade_quantity %s: %v", tradeID, err)
		return
	}
	if qty <= 0 || actualQty <= 0 {
		return
	}
	factor := actualQty / qty

	_, err := s.db.Exec(`
		UPDATE trades SET quantity = ?, max_profit = ?, max_loss = ?
		WHERE trade_id = ?`,
		actualQty, maxProfit*factor, maxLoss*factor, tradeID)
	if err != nil {
		s.logger.Errorf("update_trade_quantity %s: %v", tradeID, err)
		return
	}
	_, err = s.db.Exec(`
		UPDATE orders SET quantity = ? WHERE trade_id = ? AND direction = 'ENTRY'`,
		actualQty, tradeID)
	if err != nil {
		s.logger.Errorf("update_trade_quantity orders %s: %v", tradeID, err)
	}
	s.logger.Infof("trade %s rescaled to qty %.0f", tradeID, actualQty)
}

func encodeJSON(v any) string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return ""
		}
	case []models.PnLSample:
		if len(t) == 0 {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
