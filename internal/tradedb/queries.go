package tradedb

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
)

const tradeColumns = `trade_id, strategy_id, instrument_id, trade_type, direction,
	quantity, entry_time, entry_price, exit_time, exit_price, gross_pnl, commission,
	net_pnl, result, max_profit, max_loss, max_unrealized_profit, max_unrealized_loss,
	max_unrealized_loss_time, snapshots, strikes, legs, status, exit_reason, duration_secs`

func scanTrade(row interface{ Scan(...any) error }) (*models.TradeRecord, error) {
	var t models.TradeRecord
	var entryTime string
	var exitTime, result, lossTime, snapshots, strikes, legs, exitReason sql.NullString
	var exitPrice sql.NullFloat64

	err := row.Scan(&t.TradeID, &t.StrategyID, &t.InstrumentID, &t.TradeType,
		&t.Direction, &t.Quantity, &entryTime, &t.EntryPrice, &exitTime, &exitPrice,
		&t.GrossPnL, &t.Commission, &t.NetPnL, &result, &t.MaxProfit, &t.MaxLoss,
		&t.MaxUnrealizedProfit, &t.MaxUnrealizedLoss, &lossTime, &snapshots,
		&strikes, &legs, &t.Status, &exitReason, &t.DurationSecs)
	if err != nil {
		return nil, err
	}

	t.EntryTime = decodeTime(sql.NullString{String: entryTime, Valid: true})
	t.ExitTime = decodeTime(exitTime)
	if exitPrice.Valid {
		t.ExitPrice = exitPrice.Float64
	}
	if result.Valid {
		t.Result = models.TradeResult(result.String)
	}
	t.MaxUnrealizedLossTime = decodeTime(lossTime)
	if exitReason.Valid {
		t.ExitReason = exitReason.String
	}
	if snapshots.Valid && snapshots.String != "" {
		_ = json.Unmarshal([]byte(snapshots.String), &t.Snapshots)
	}
	if strikes.Valid && strikes.String != "" {
		_ = json.Unmarshal([]byte(strikes.String), &t.Strikes)
	}
	if legs.Valid && legs.String != "" {
		_ = json.Unmarshal([]byte(legs.String), &t.Legs)
	}
	return &t, nil
}

// GetTrade fetches one trade by id, or nil.
func (s *Store) GetTrade(tradeID string) *models.TradeRecord {
	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	t, err := scanTrade(row)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Errorf("get_trade %s: %v", tradeID, err)
		}
		return nil
	}
	return t
}

// GetOpenTrades lists OPEN trades, optionally filtered to one strategy.
func (s *Store) GetOpenTrades(strategyID string) []models.TradeRecord {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'OPEN'`
	args := []any{}
	if strategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY entry_time`
	return s.queryTrades(query, args...)
}

// GetTrades lists a strategy's trades, newest first, capped at limit.
func (s *Store) GetTrades(strategyID string, limit int) []models.TradeRecord {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTrades(`SELECT `+tradeColumns+` FROM trades WHERE strategy_id = ?
		ORDER BY entry_time DESC LIMIT ?`, strategyID, limit)
}

// GetAllTrades lists trades across strategies, newest first.
func (s *Store) GetAllTrades(limit int) []models.TradeRecord {
	if limit <= 0 {
		limit = 200
	}
	return s.queryTrades(`SELECT `+tradeColumns+` FROM trades
		ORDER BY entry_time DESC LIMIT ?`, limit)
}

// GetClosedTradesSince lists trades closed at or after ts, newest first.
func (s *Store) GetClosedTradesSince(ts time.Time) []models.TradeRecord {
	return s.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE status = 'CLOSED' AND exit_time >= ? ORDER BY exit_time DESC`, encodeTime(ts))
}

func (s *Store) queryTrades(query string, args ...any) []models.TradeRecord {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Errorf("query trades: %v", err)
		return nil
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			s.logger.Errorf("scan trade: %v", err)
			continue
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		s.logger.Errorf("iterate trades: %v", err)
	}
	return out
}

// GetTradeOrders lists the order rows attached to a trade.
func (s *Store) GetTradeOrders(tradeID string) []models.OrderRecord {
	rows, err := s.db.Query(`
		SELECT id, trade_id, strategy_id, instrument_id, direction, side, order_type,
			quantity, limit_price, status, submitted_time, filled_time, filled_qty,
			avg_fill_price, commission, exchange_order_id, client_order_id, raw
		FROM orders WHERE trade_id = ? ORDER BY submitted_time`, tradeID)
	if err != nil {
		s.logger.Errorf("get_trade_orders %s: %v", tradeID, err)
		return nil
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var r models.OrderRecord
		var tradeID, filledTime, exchangeID, clientID, raw sql.NullString
		var limitPrice sql.NullFloat64
		var submitted string
		err := rows.Scan(&r.ID, &tradeID, &r.StrategyID, &r.InstrumentID, &r.Direction,
			&r.Side, &r.Type, &r.Quantity, &limitPrice, &r.Status, &submitted,
			&filledTime, &r.FilledQty, &r.AvgFillPrice, &r.Commission,
			&exchangeID, &clientID, &raw)
		if err != nil {
			s.logger.Errorf("scan order: %v", err)
			continue
		}
		r.TradeID = tradeID.String
		r.SubmittedTime = decodeTime(sql.NullString{String: submitted, Valid: true})
		r.FilledTime = decodeTime(filledTime)
		if limitPrice.Valid {
			r.LimitPrice = limitPrice.Float64
		}
		r.ExchangeOrderID = exchangeID.String
		r.ClientOrderID = clientID.String
		r.Raw = raw.String
		out = append(out, r)
	}
	return out
}

// GetStrategyStats aggregates the CLOSED trades of one strategy. An empty
// strategy id aggregates across all strategies.
func (s *Store) GetStrategyStats(strategyID string) models.StrategyStats {
	query := `SELECT net_pnl, commission, result, duration_secs FROM trades WHERE status = 'CLOSED'`
	args := []any{}
	if strategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, strategyID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Errorf("get_strategy_stats %s: %v", strategyID, err)
		return models.StrategyStats{StrategyID: strategyID}
	}
	defer rows.Close()

	stats := models.StrategyStats{StrategyID: strategyID}
	var totalDuration float64
	first := true
	for rows.Next() {
		var net, commission float64
		var result sql.NullString
		var duration int64
		if err := rows.Scan(&net, &commission, &result, &duration); err != nil {
			continue
		}
		stats.TotalTrades++
		stats.TotalNetPnL += net
		stats.TotalCommission += commission
		totalDuration += float64(duration)
		switch models.TradeResult(result.String) {
		case models.Win:
			stats.Wins++
		case models.Loss:
			stats.Losses++
		default:
			stats.Breakeven++
		}
		if first || net > stats.BestTrade {
			stats.BestTrade = net
		}
		if first || net < stats.WorstTrade {
			stats.WorstTrade = net
		}
		first = false
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
		stats.AvgNetPnL = stats.TotalNetPnL / float64(stats.TotalTrades)
		stats.AvgDurationSecs = totalDuration / float64(stats.TotalTrades)
	}
	return stats
}

// GetAllStats returns per-strategy aggregates for every strategy that has
// closed trades.
func (s *Store) GetAllStats() []models.StrategyStats {
	rows, err := s.db.Query(`SELECT DISTINCT strategy_id FROM trades WHERE status = 'CLOSED'`)
	if err != nil {
		s.logger.Errorf("get_all_stats: %v", err)
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	out := make([]models.StrategyStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.GetStrategyStats(id))
	}
	return out
}

// GetDrawdownAnalysis reports how far each closed trade went against the
// strategy before resolving, plus aggregate drawdown statistics.
func (s *Store) GetDrawdownAnalysis(strategyID string) models.DrawdownAnalysis {
	trades := s.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE strategy_id = ? AND status = 'CLOSED' ORDER BY entry_time`, strategyID)

	out := models.DrawdownAnalysis{StrategyID: strategyID}
	var sumDrawdown float64
	recovered := 0
	for _, t := range trades {
		td := models.TradeDrawdown{
			TradeID:               t.TradeID,
			NetPnL:                t.NetPnL,
			MaxUnrealizedProfit:   t.MaxUnrealizedProfit,
			MaxUnrealizedLoss:     t.MaxUnrealizedLoss,
			MaxUnrealizedLossTime: t.MaxUnrealizedLossTime,
			Recovered:             t.MaxUnrealizedLoss < 0 && t.NetPnL > 0,
		}
		out.Trades = append(out.Trades, td)
		sumDrawdown += t.MaxUnrealizedLoss
		if td.Recovered {
			recovered++
		}
		if t.MaxUnrealizedLoss < out.WorstDrawdown {
			out.WorstDrawdown = t.MaxUnrealizedLoss
		}
	}
	if len(out.Trades) > 0 {
		out.AvgDrawdown = sumDrawdown / float64(len(out.Trades))
		out.RecoveryRate = float64(recovered) / float64(len(out.Trades))
	}
	return out
}
