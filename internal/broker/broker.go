// Package broker defines the capability interface to the execution venue and
// the resilience decorator that production wiring puts in front of it. The
// concrete implementations are the gateway adapter (ibgw) and the simulated
// broker (mock).
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
)

// EventKind discriminates broker events.
type EventKind string

const (
	EventInstrumentAdded EventKind = "INSTRUMENT_ADDED"
	EventQuoteTick       EventKind = "QUOTE_TICK"
	EventBar             EventKind = "BAR"

	EventOrderSubmitted       EventKind = "ORDER_SUBMITTED"
	EventOrderAccepted        EventKind = "ORDER_ACCEPTED"
	EventOrderRejected        EventKind = "ORDER_REJECTED"
	EventOrderPartiallyFilled EventKind = "ORDER_PARTIALLY_FILLED"
	EventOrderFilled          EventKind = "ORDER_FILLED"
	EventOrderCanceled        EventKind = "ORDER_CANCELED"
	EventOrderExpired         EventKind = "ORDER_EXPIRED"
)

// Event is one asynchronous notification from the broker. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	Kind EventKind

	Instrument *models.Instrument
	Quote      *models.Quote
	Bar        *models.Bar
	Order      *models.Order

	// ExecID identifies the execution a fill event reports. Replays carry
	// the same id, so consumers dedup on it.
	ExecID string
	// Reason carries the venue text on rejects and cancels.
	Reason string

	Ts time.Time
}

// IsOrderEvent reports whether the event carries an order payload.
func (e *Event) IsOrderEvent() bool {
	return strings.HasPrefix(string(e.Kind), "ORDER_")
}

// ClientID returns the client order id of an order event, or "".
func (e *Event) ClientID() string {
	if e.Order == nil {
		return ""
	}
	return e.Order.ClientID
}

// Client is the capability surface strategies and the option search engine
// program against. All Subscribe/Request calls are asynchronous: results and
// acknowledgements arrive on Events().
type Client interface {
	SubscribeQuotes(instrumentID string) error
	UnsubscribeQuotes(instrumentID string) error
	SubscribeBars(bt models.BarType) error
	UnsubscribeBars(bt models.BarType) error

	RequestInstrument(instrumentID string) error
	RequestInstruments(venue, selector string) error
	CreateSpread(legs []models.SpreadLeg) (string, error)

	SubmitOrder(ctx context.Context, o models.Order) error
	CancelOrder(ctx context.Context, clientID string) error
	CancelAllOrders(ctx context.Context, instrumentID string) error

	Events() <-chan Event
	IsConnected() bool
}
