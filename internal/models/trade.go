package models

import "time"

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// TradeResult classifies a closed trade by the sign of its net PnL.
type TradeResult string

const (
	Win       TradeResult = "WIN"
	Loss      TradeResult = "LOSS"
	Breakeven TradeResult = "BREAKEVEN"
)

// Exit reasons stamped on closed trades.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonManual     = "MANUAL"
	ReasonEndOfDay   = "END_OF_DAY"
	ReasonExpired    = "EXPIRED"
)

// Order record directions: whether the order opened or closed exposure.
const (
	DirectionEntry = "ENTRY"
	DirectionExit  = "EXIT"
)

// PnLSample is one point of a trade's unrealized-PnL history.
type PnLSample struct {
	Ts  time.Time `json:"ts"`
	PnL float64   `json:"pnl"`
}

// TradeRecord spans an entry and its matching exit. Prices follow the combo
// convention: net-credit spreads carry a negative entry price whose absolute
// value is the credit received.
type TradeRecord struct {
	TradeID      string  `json:"trade_id"`
	StrategyID   string  `json:"strategy_id"`
	InstrumentID string  `json:"instrument_id"`
	TradeType    string  `json:"trade_type"`
	Direction    string  `json:"direction"`
	EntryTime    time.Time `json:"entry_time"`
	EntryPrice   float64 `json:"entry_price"`
	ExitTime     time.Time `json:"exit_time,omitempty"`
	ExitPrice    float64 `json:"exit_price,omitempty"`
	Quantity     float64 `json:"quantity"`
	GrossPnL     float64 `json:"gross_pnl"`
	Commission   float64 `json:"commission"`
	NetPnL       float64 `json:"net_pnl"`
	Result       TradeResult `json:"result,omitempty"`

	// Theoretical bounds set at entry, rescaled on partial fills.
	MaxProfit float64 `json:"max_profit"`
	MaxLoss   float64 `json:"max_loss"`

	// Observed extrema maintained by UpdateTradeMetrics.
	MaxUnrealizedProfit   float64   `json:"max_unrealized_profit"`
	MaxUnrealizedLoss     float64   `json:"max_unrealized_loss"`
	MaxUnrealizedLossTime time.Time `json:"max_unrealized_loss_time,omitempty"`

	Snapshots []PnLSample `json:"snapshots,omitempty"`
	Strikes   []string    `json:"strikes,omitempty"`
	Legs      []string    `json:"legs,omitempty"`

	Status       TradeStatus `json:"status"`
	ExitReason   string      `json:"exit_reason,omitempty"`
	DurationSecs int64       `json:"duration_secs,omitempty"`
}

// OrderRecord is one attempted or filled order attached to a trade.
type OrderRecord struct {
	ID              int64     `json:"id"`
	TradeID         string    `json:"trade_id,omitempty"`
	StrategyID      string    `json:"strategy_id"`
	InstrumentID    string    `json:"instrument_id"`
	Direction       string    `json:"direction"`
	Side            OrderSide `json:"side"`
	Type            OrderType `json:"type"`
	Quantity        float64   `json:"quantity"`
	LimitPrice      float64   `json:"limit_price,omitempty"`
	Status          string    `json:"status"`
	SubmittedTime   time.Time `json:"submitted_time"`
	FilledTime      time.Time `json:"filled_time,omitempty"`
	FilledQty       float64   `json:"filled_qty"`
	AvgFillPrice    float64   `json:"avg_fill_price"`
	Commission      float64   `json:"commission"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	ClientOrderID   string    `json:"client_order_id,omitempty"`
	Raw             string    `json:"raw,omitempty"`
}

// StrategyStats aggregates the closed trades of one strategy.
type StrategyStats struct {
	StrategyID      string  `json:"strategy_id"`
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	Breakeven       int     `json:"breakeven"`
	WinRate         float64 `json:"win_rate"`
	TotalNetPnL     float64 `json:"total_net_pnl"`
	AvgNetPnL       float64 `json:"avg_net_pnl"`
	BestTrade       float64 `json:"best_trade"`
	WorstTrade      float64 `json:"worst_trade"`
	TotalCommission float64 `json:"total_commission"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
}

// TradeDrawdown is the per-trade slice of a drawdown analysis.
type TradeDrawdown struct {
	TradeID               string    `json:"trade_id"`
	NetPnL                float64   `json:"net_pnl"`
	MaxUnrealizedProfit   float64   `json:"max_unrealized_profit"`
	MaxUnrealizedLoss     float64   `json:"max_unrealized_loss"`
	MaxUnrealizedLossTime time.Time `json:"max_unrealized_loss_time,omitempty"`
	Recovered             bool      `json:"recovered"`
}

// DrawdownAnalysis summarizes how far closed trades went against the
// strategy before resolving.
type DrawdownAnalysis struct {
	StrategyID    string          `json:"strategy_id"`
	Trades        []TradeDrawdown `json:"trades"`
	AvgDrawdown   float64         `json:"avg_drawdown"`
	WorstDrawdown float64         `json:"worst_drawdown"`
	RecoveryRate  float64         `json:"recovery_rate"`
}
