// Package mock is the simulated broker: an in-process venue for tests and the
// paper binary. It fills orders against its own quote book, tracks positions
// and a paper account, and mirrors everything into the shared cache the same
// way the gateway adapter does.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
)

const eventBuffer = 256

// Options tunes the simulated venue.
type Options struct {
	AccountID string
	// Equity seeds the paper account.
	Equity float64
	// CommissionPerContract is charged on every fill.
	CommissionPerContract float64
	// HoldOrders keeps submitted orders working until Fill or a cancel;
	// otherwise marketable orders fill immediately against the quote book.
	HoldOrders bool
}

// Broker is the simulated broker.Client.
type Broker struct {
	opts   Options
	clock  clock.Service
	cache  *bus.Cache
	logger *logrus.Entry

	events    chan broker.Event
	connected atomic.Bool

	mu          sync.Mutex
	instruments map[string]*models.Instrument
	quotes      map[string]models.Quote
	positions   map[string]models.Position
	working     map[string]models.Order
	rejectNext  string
}

// New builds a connected simulated broker and seeds the paper account.
func New(opts Options, clk clock.Service, cache *bus.Cache, logger *logrus.Logger) *Broker {
	if opts.AccountID == "" {
		opts.AccountID = "PAPER"
	}
	if opts.Equity == 0 {
		opts.Equity = 1_000_000
	}
	b := &Broker{
		opts:        opts,
		clock:       clk,
		cache:       cache,
		logger:      logger.WithField("component", "mock"),
		events:      make(chan broker.Event, eventBuffer),
		instruments: make(map[string]*models.Instrument),
		quotes:      make(map[string]models.Quote),
		positions:   make(map[string]models.Position),
		working:     make(map[string]models.Order),
	}
	b.connected.Store(true)
	cache.SetAccount(models.Account{
		ID:          opts.AccountID,
		Equity:      opts.Equity,
		Cash:        opts.Equity,
		BuyingPower: opts.Equity,
		UpdatedAt:   clk.Now(),
	})
	return b
}

// --- scripting surface ------------------------------------------------------

// SetConnected flips the session flag, simulating gateway drops.
func (b *Broker) SetConnected(up bool) { b.connected.Store(up) }

// RejectNext makes the next SubmitOrder come back ORDER_REJECTED with reason.
func (b *Broker) RejectNext(reason string) {
	b.mu.Lock()
	b.rejectNext = reason
	b.mu.Unlock()
}

// PushQuote scripts one market-data tick: the quote book and cache update and
// a QUOTE_TICK event is emitted. Held orders are not re-checked; call Fill.
func (b *Broker) PushQuote(q models.Quote) {
	if q.Ts.IsZero() {
		q.Ts = b.clock.Now()
	}
	b.mu.Lock()
	b.quotes[q.InstrumentID] = q
	b.mu.Unlock()
	b.cache.SetQuote(q)
	b.emit(broker.Event{Kind: broker.EventQuoteTick, Quote: &q, Ts: q.Ts})
}

// PushBar scripts one bar.
func (b *Broker) PushBar(bar models.Bar) {
	if bar.Ts.IsZero() {
		bar.Ts = b.clock.Now()
	}
	b.cache.SetBar(bar)
	b.emit(broker.Event{Kind: broker.EventBar, Bar: &bar, Ts: bar.Ts})
}

// Fill executes a working order at the given price.
func (b *Broker) Fill(clientID string, price float64) error {
	b.mu.Lock()
	o, ok := b.working[clientID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("no working order %s", clientID)
	}
	delete(b.working, clientID)
	b.mu.Unlock()
	b.fill(o, price)
	return nil
}

// WorkingOrders lists the orders the venue is holding.
func (b *Broker) WorkingOrders() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Order, 0, len(b.working))
	for _, o := range b.working {
		out = append(out, o)
	}
	return out
}

// --- broker.Client ----------------------------------------------------------

// SubscribeQuotes registers interest. The mock venue has no feed of its own;
// quotes arrive when the test or simulator pushes them.
func (b *Broker) SubscribeQuotes(instrumentID string) error {
	b.materialize(instrumentID, false)
	return nil
}

func (b *Broker) UnsubscribeQuotes(instrumentID string) error {
	b.mu.Lock()
	delete(b.quotes, instrumentID)
	b.mu.Unlock()
	return nil
}

func (b *Broker) SubscribeBars(models.BarType) error   { return nil }
func (b *Broker) UnsubscribeBars(models.BarType) error { return nil }

// RequestInstrument materializes the instrument and emits INSTRUMENT_ADDED.
// Option symbols are synthesized from their deterministic id; anything else
// must have been registered via AddInstrument or CreateSpread.
func (b *Broker) RequestInstrument(instrumentID string) error {
	if !b.materialize(instrumentID, true) {
		return fmt.Errorf("unknown instrument %s", instrumentID)
	}
	return nil
}

// RequestInstruments re-announces every known instrument matching the
// selector prefix.
func (b *Broker) RequestInstruments(_, selector string) error {
	b.mu.Lock()
	var matched []*models.Instrument
	for id, in := range b.instruments {
		if strings.HasPrefix(id, selector) {
			matched = append(matched, in)
		}
	}
	b.mu.Unlock()
	for _, in := range matched {
		b.emit(broker.Event{Kind: broker.EventInstrumentAdded, Instrument: in, Ts: b.clock.Now()})
	}
	return nil
}

// AddInstrument registers a non-option instrument (index, future) with the
// venue and the cache.
func (b *Broker) AddInstrument(in *models.Instrument) {
	b.mu.Lock()
	b.instruments[in.ID] = in
	b.mu.Unlock()
	b.cache.SetInstrument(in)
	b.emit(broker.Event{Kind: broker.EventInstrumentAdded, Instrument: in, Ts: b.clock.Now()})
}

func (b *Broker) CreateSpread(legs []models.SpreadLeg) (string, error) {
	in := models.NewSpread(legs)
	b.AddInstrument(in)
	return in.ID, nil
}

func (b *Broker) SubmitOrder(ctx context.Context, o models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.connected.Load() {
		return fmt.Errorf("gateway not connected")
	}
	now := b.clock.Now()
	o.SubmittedAt = now

	b.mu.Lock()
	reason := b.rejectNext
	b.rejectNext = ""
	b.mu.Unlock()
	if reason != "" {
		o.Status = models.OrderRejected
		b.cache.SetOrder(o)
		b.emit(broker.Event{Kind: broker.EventOrderRejected, Order: &o, Reason: reason, Ts: now})
		return nil
	}

	o.Status = models.OrderAccepted
	b.cache.SetOrder(o)
	b.emit(broker.Event{Kind: broker.EventOrderAccepted, Order: &o, Ts: now})

	price, marketable := b.fillPrice(o)
	if b.opts.HoldOrders || !marketable {
		b.mu.Lock()
		b.working[o.ClientID] = o
		b.mu.Unlock()
		return nil
	}
	b.fill(o, price)
	return nil
}

func (b *Broker) CancelOrder(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	o, ok := b.working[clientID]
	if ok {
		delete(b.working, clientID)
	}
	b.mu.Unlock()
	if !ok {
		return nil // matches the gateway: cancel of a gone order is silent
	}
	b.cancel(o, "canceled by client")
	return nil
}

func (b *Broker) CancelAllOrders(ctx context.Context, instrumentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	var victims []models.Order
	for id, o := range b.working {
		if instrumentID == "" || o.InstrumentID == instrumentID {
			victims = append(victims, o)
			delete(b.working, id)
		}
	}
	b.mu.Unlock()
	for _, o := range victims {
		b.cancel(o, "cancel all")
	}
	return nil
}

func (b *Broker) Events() <-chan broker.Event { return b.events }
func (b *Broker) IsConnected() bool           { return b.connected.Load() }

// --- internals --------------------------------------------------------------

// materialize makes sure the instrument exists, synthesizing single options
// from their symbol. Reports whether the instrument is known afterwards.
func (b *Broker) materialize(instrumentID string, announce bool) bool {
	b.mu.Lock()
	in, ok := b.instruments[instrumentID]
	b.mu.Unlock()
	if !ok {
		root, expiry, right, strike, parsed := models.ParseOptionSymbol(instrumentID)
		if !parsed {
			return false
		}
		in = models.NewOption(root, expiry, right, strike)
		b.mu.Lock()
		b.instruments[instrumentID] = in
		b.mu.Unlock()
		b.cache.SetInstrument(in)
	}
	if announce {
		b.emit(broker.Event{Kind: broker.EventInstrumentAdded, Instrument: in, Ts: b.clock.Now()})
	}
	return true
}

// fillPrice picks the execution price: quote book for market orders, the
// limit for limit orders (crossed against the book when one exists).
func (b *Broker) fillPrice(o models.Order) (float64, bool) {
	b.mu.Lock()
	q, ok := b.quotes[o.InstrumentID]
	b.mu.Unlock()

	if o.Type == models.Market {
		if !ok {
			return 0, false
		}
		if o.Side == models.Buy {
			return q.Ask, true
		}
		return q.Bid, true
	}
	if !ok {
		// No book: honor the limit as stated.
		return o.LimitPrice, true
	}
	if o.Side == models.Buy && q.Ask <= o.LimitPrice {
		return q.Ask, true
	}
	if o.Side == models.Sell && q.Bid >= o.LimitPrice {
		return q.Bid, true
	}
	return 0, false
}

func (b *Broker) fill(o models.Order, price float64) {
	now := b.clock.Now()
	o.Status = models.OrderFilled
	o.FilledQty = o.Qty
	o.AvgFillPrice = price
	o.Commission = o.Qty * b.opts.CommissionPerContract
	o.UpdatedAt = now
	b.cache.SetOrder(o)

	b.applyPosition(o, price, now)

	b.emit(broker.Event{Kind: broker.EventOrderFilled, Order: &o, ExecID: uuid.NewString(), Ts: now})

	if o.Bracket != nil {
		b.armBracket(o, now)
	}
}

// armBracket registers the OCA children the way the gateway would; they stay
// working until the simulator fills or cancels one.
func (b *Broker) armBracket(parent models.Order, now time.Time) {
	exitSide := models.Sell
	if parent.Side == models.Sell {
		exitSide = models.Buy
	}
	children := []models.Order{
		{
			ClientID:     models.BracketSLID(parent.ClientID),
			InstrumentID: parent.InstrumentID,
			Side:         exitSide,
			Type:         models.Limit,
			Qty:          parent.Qty,
			LimitPrice:   parent.Bracket.StopLoss,
			Status:       models.OrderAccepted,
			SubmittedAt:  now,
		},
		{
			ClientID:     models.BracketTPID(parent.ClientID),
			InstrumentID: parent.InstrumentID,
			Side:         exitSide,
			Type:         models.Limit,
			Qty:          parent.Qty,
			LimitPrice:   parent.Bracket.TakeProfit,
			Status:       models.OrderAccepted,
			SubmittedAt:  now,
		},
	}
	b.mu.Lock()
	for _, c := range children {
		b.working[c.ClientID] = c
	}
	b.mu.Unlock()
	for i := range children {
		b.cache.SetOrder(children[i])
		b.emit(broker.Event{Kind: broker.EventOrderAccepted, Order: &children[i], Ts: now})
	}
}

// applyPosition books the fill into the net position and mirrors it.
func (b *Broker) applyPosition(o models.Order, price float64, now time.Time) {
	signed := o.Qty
	if o.Side == models.Sell {
		signed = -o.Qty
	}

	b.mu.Lock()
	pos := b.positions[o.InstrumentID]
	pos.InstrumentID = o.InstrumentID
	prior := pos.Qty
	pos.Qty += signed

	switch {
	case prior == 0:
		pos.AvgEntryPrice = price
		pos.OpenedAt = now
		pos.ClosedAt = time.Time{}
	case prior*signed > 0:
		pos.AvgEntryPrice = (pos.AvgEntryPrice*prior + price*signed) / pos.Qty
	case prior*pos.Qty < 0:
		// Flipped through flat: the remainder opens at the fill price.
		pos.AvgEntryPrice = price
		pos.OpenedAt = now
		pos.ClosedAt = time.Time{}
	}

	switch {
	case pos.Qty > 0:
		pos.Side = models.Long
	case pos.Qty < 0:
		pos.Side = models.Short
	default:
		pos.Side = models.Flat
		pos.ClosedAt = now
	}
	b.positions[o.InstrumentID] = pos
	b.mu.Unlock()

	b.cache.SetPosition(pos)
}

func (b *Broker) cancel(o models.Order, reason string) {
	now := b.clock.Now()
	o.Status = models.OrderCanceled
	o.UpdatedAt = now
	b.cache.SetOrder(o)
	b.emit(broker.Event{Kind: broker.EventOrderCanceled, Order: &o, Reason: reason, Ts: now})
}

// emit mirrors the gateway adapter: market data is droppable, order and
// instrument events block.
func (b *Broker) emit(ev broker.Event) {
	if ev.Kind == broker.EventQuoteTick || ev.Kind == broker.EventBar {
		select {
		case b.events <- ev:
		default:
			b.logger.Warnf("event channel full, dropping %s", ev.Kind)
		}
		return
	}
	b.events <- ev
}
