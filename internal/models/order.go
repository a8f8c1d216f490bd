package models

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	// Buy side.
	Buy OrderSide = "BUY"
	// Sell side.
	Sell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	// Market order, filled at the prevailing price.
	Market OrderType = "MARKET"
	// Limit order, filled at the limit price or better.
	Limit OrderType = "LIMIT"
)

// OrderStatus is the broker-reported lifecycle state of an order. Transitions
// are monotonic except that PARTIALLY_FILLED may precede FILLED or CANCELED.
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderAccepted        OrderStatus = "ACCEPTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transitions can follow the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Working reports whether the order is live at the broker.
func (s OrderStatus) Working() bool {
	switch s {
	case OrderSubmitted, OrderAccepted, OrderPartiallyFilled:
		return true
	}
	return false
}

// Bracket attaches protective exits to an entry order. The gateway manages
// the two child orders as an OCA pair; their client ids are derived from the
// parent's with ":sl" and ":tp" suffixes.
type Bracket struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Order is a submitted intent. LimitPrice is meaningful only for LIMIT orders
// and may be negative for net-credit spread combos.
type Order struct {
	ClientID     string      `json:"client_id"`
	ExchangeID   string      `json:"exchange_id,omitempty"`
	InstrumentID string      `json:"instrument_id"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Qty          float64     `json:"qty"`
	LimitPrice   float64     `json:"limit_price,omitempty"`
	TIF          string      `json:"tif,omitempty"`
	Bracket      *Bracket    `json:"bracket,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Commission   float64     `json:"commission"`
	Tag          string      `json:"tag,omitempty"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 { return o.Qty - o.FilledQty }

// BracketSLID returns the derived client id of the bracket stop child.
func BracketSLID(parentClientID string) string { return parentClientID + ":sl" }

// BracketTPID returns the derived client id of the bracket take-profit child.
func BracketTPID(parentClientID string) string { return parentClientID + ":tp" }

// PositionSide is the sign of a net holding.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Flat  PositionSide = "FLAT"
)

// Position is the net holding in one instrument. Closed positions are kept
// for daily-PnL queries.
type Position struct {
	InstrumentID  string       `json:"instrument_id"`
	Side          PositionSide `json:"side"`
	Qty           float64      `json:"qty"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	RealizedPnL   float64      `json:"realized_pnl"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	OpenedAt      time.Time    `json:"opened_at"`
	ClosedAt      time.Time    `json:"closed_at,omitempty"`
}

// IsFlat reports whether the position holds nothing.
func (p *Position) IsFlat() bool { return p == nil || p.Side == Flat || p.Qty == 0 }

// Account is a broker account snapshot.
type Account struct {
	ID          string    `json:"id"`
	Equity      float64   `json:"equity"`
	Cash        float64   `json:"cash"`
	BuyingPower float64   `json:"buying_power"`
	UpdatedAt   time.Time `json:"updated_at"`
}
