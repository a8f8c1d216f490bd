package ibgw

import (
	"encoding/json"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
)

// The gateway session speaks newline-delimited JSON frames. Requests carry a
// monotonically increasing id; the gateway echoes it on acks and errors.
// Unsolicited data frames (ticks, bars, order updates) have no id.

type request struct {
	ID     int64           `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Request ops.
const (
	opSubscribeQuotes   = "subscribe_quotes"
	opUnsubscribeQuotes = "unsubscribe_quotes"
	opSubscribeBars     = "subscribe_bars"
	opUnsubscribeBars   = "unsubscribe_bars"
	opInstrument        = "instrument"
	opInstruments       = "instruments"
	opCreateSpread      = "create_spread"
	opSubmit            = "submit"
	opCancel            = "cancel"
	opCancelAll         = "cancel_all"
)

type frame struct {
	ID    int64           `json:"id,omitempty"`
	Type  string          `json:"type"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame types.
const (
	frameAck        = "ack"
	frameError      = "error"
	frameInstrument = "instrument"
	frameTick       = "tick"
	frameBar        = "bar"
	frameOrder      = "order"
	framePosition   = "position"
	frameAccount    = "account"
)

// Tick fields.
const (
	tickBid   = "bid"
	tickAsk   = "ask"
	tickLast  = "last"
	tickDelta = "delta"
)

type tickData struct {
	InstrumentID string    `json:"instrument_id"`
	Field        string    `json:"field"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Ts           time.Time `json:"ts"`
}

type orderData struct {
	Order  models.Order `json:"order"`
	ExecID string       `json:"exec_id,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type subscribeParams struct {
	InstrumentID string `json:"instrument_id"`
	IntervalSecs int    `json:"interval_secs,omitempty"`
}

type instrumentsParams struct {
	Venue    string `json:"venue"`
	Selector string `json:"selector"`
}

type spreadParams struct {
	InstrumentID string             `json:"instrument_id"`
	Legs         []models.SpreadLeg `json:"legs"`
}

type cancelParams struct {
	ClientID     string `json:"client_id,omitempty"`
	InstrumentID string `json:"instrument_id,omitempty"`
}

func marshalParams(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
