// Package ibgw is the TCP adapter to the options gateway. It owns the wire
// session, the reconnect loop, subscription replay, and all writes into the
// snapshot cache; everything downstream consumes broker.Event.
package ibgw

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/models"
)

const (
	defaultStabilization = 20 * time.Second
	minReconnectBackoff  = 5 * time.Second
	maxReconnectBackoff  = 80 * time.Second
	dialTimeout          = 5 * time.Second
	portPollInterval     = time.Second

	// eventBuffer sizes the outbound event channel. Order events block when
	// it is full; market data is dropped instead.
	eventBuffer = 1024
)

// Config locates the gateway and tunes session timing.
type Config struct {
	Host          string
	Port          int
	Stabilization time.Duration
}

// Adapter is the concrete broker.Client backed by the gateway session.
type Adapter struct {
	cfg    Config
	cache  *bus.Cache
	logger *logrus.Entry

	events    chan broker.Event
	connected atomic.Bool
	nextID    atomic.Int64

	writeMu sync.Mutex
	conn    net.Conn

	// Subscription registry, replayed after every reconnect.
	subMu     sync.Mutex
	quoteSubs map[string]struct{}
	barSubs   map[models.BarType]struct{}

	// Working quote state per instrument, merged from partial ticks.
	quoteMu sync.Mutex
	quotes  map[string]*models.Quote
	deltas  map[string]float64
}

// New creates an adapter; Run must be started before it is useful.
func New(cfg Config, cache *bus.Cache, logger *logrus.Logger) *Adapter {
	if cfg.Stabilization == 0 {
		cfg.Stabilization = defaultStabilization
	}
	return &Adapter{
		cfg:       cfg,
		cache:     cache,
		logger:    logger.WithField("component", "ibgw"),
		events:    make(chan broker.Event, eventBuffer),
		quoteSubs: make(map[string]struct{}),
		barSubs:   make(map[models.BarType]struct{}),
		quotes:    make(map[string]*models.Quote),
		deltas:    make(map[string]float64),
	}
}

// Run drives the session until ctx is done: wait for the port, connect,
// stabilize, replay subscriptions, read frames; on any session error back off
// and reconnect. Strategy state lives above this layer and survives every
// reconnect.
func (a *Adapter) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
	backoff := minReconnectBackoff
	first := true

	for {
		if err := a.waitForPort(ctx, addr); err != nil {
			return err
		}
		conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
		if err != nil {
			a.logger.Warnf("dial %s: %v", addr, err)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if first {
			a.logger.Infof("gateway accepting on %s, stabilizing for %s", addr, a.cfg.Stabilization)
			if err := sleepCtx(ctx, a.cfg.Stabilization); err != nil {
				conn.Close()
				return err
			}
			first = false
		}

		a.writeMu.Lock()
		a.conn = conn
		a.writeMu.Unlock()
		a.connected.Store(true)
		backoff = minReconnectBackoff
		a.logger.Infof("gateway session up on %s", addr)

		a.replaySubscriptions()

		err = a.readLoop(ctx, conn)
		a.connected.Store(false)
		a.writeMu.Lock()
		a.conn = nil
		a.writeMu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warnf("gateway session lost: %v; reconnecting in %s", err, backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// waitForPort polls until a TCP connect succeeds, then closes the probe.
func (a *Adapter) waitForPort(ctx context.Context, addr string) error {
	for {
		conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if err := sleepCtx(ctx, portPollInterval); err != nil {
			return err
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			a.logger.Warnf("bad frame: %v", err)
			continue
		}
		a.handleFrame(f)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("gateway closed the session")
}

func (a *Adapter) handleFrame(f frame) {
	switch f.Type {
	case frameAck:
	case frameError:
		a.logger.Warnf("gateway error (req %d): %s", f.ID, f.Error)
	case frameInstrument:
		var in models.Instrument
		if err := json.Unmarshal(f.Data, &in); err != nil {
			a.logger.Warnf("bad instrument frame: %v", err)
			return
		}
		a.cache.SetInstrument(&in)
		a.emit(broker.Event{Kind: broker.EventInstrumentAdded, Instrument: &in, Ts: time.Now().UTC()})
	case frameTick:
		var td tickData
		if err := json.Unmarshal(f.Data, &td); err != nil {
			return
		}
		if q, ok := a.applyTick(td); ok {
			a.cache.SetQuote(*q)
			a.emit(broker.Event{Kind: broker.EventQuoteTick, Quote: q, Ts: q.Ts})
		}
	case frameBar:
		var b models.Bar
		if err := json.Unmarshal(f.Data, &b); err != nil {
			return
		}
		a.cache.SetBar(b)
		a.emit(broker.Event{Kind: broker.EventBar, Bar: &b, Ts: b.Ts})
	case frameOrder:
		var od orderData
		if err := json.Unmarshal(f.Data, &od); err != nil {
			a.logger.Warnf("bad order frame: %v", err)
			return
		}
		a.cache.SetOrder(od.Order)
		kind, ok := orderEventKind(od.Order.Status)
		if !ok {
			return
		}
		o := od.Order
		a.emit(broker.Event{Kind: kind, Order: &o, ExecID: od.ExecID, Reason: od.Reason, Ts: time.Now().UTC()})
	case framePosition:
		var p models.Position
		if err := json.Unmarshal(f.Data, &p); err == nil {
			a.cache.SetPosition(p)
		}
	case frameAccount:
		var acct models.Account
		if err := json.Unmarshal(f.Data, &acct); err == nil {
			a.cache.SetAccount(acct)
		}
	default:
		a.logger.Debugf("unknown frame type %q", f.Type)
	}
}

func orderEventKind(status models.OrderStatus) (broker.EventKind, bool) {
	switch status {
	case models.OrderSubmitted:
		return broker.EventOrderSubmitted, true
	case models.OrderAccepted:
		return broker.EventOrderAccepted, true
	case models.OrderRejected:
		return broker.EventOrderRejected, true
	case models.OrderPartiallyFilled:
		return broker.EventOrderPartiallyFilled, true
	case models.OrderFilled:
		return broker.EventOrderFilled, true
	case models.OrderCanceled:
		return broker.EventOrderCanceled, true
	case models.OrderExpired:
		return broker.EventOrderExpired, true
	}
	return "", false
}

// emit delivers one event. Market data is droppable under pressure; order and
// instrument events block until the consumer catches up.
func (a *Adapter) emit(ev broker.Event) {
	if ev.Kind == broker.EventQuoteTick || ev.Kind == broker.EventBar {
		select {
		case a.events <- ev:
		default:
			a.logger.Warnf("event channel full, dropping %s", ev.Kind)
		}
		return
	}
	a.events <- ev
}

func (a *Adapter) replaySubscriptions() {
	a.subMu.Lock()
	quotes := make([]string, 0, len(a.quoteSubs))
	for id := range a.quoteSubs {
		quotes = append(quotes, id)
	}
	bars := make([]models.BarType, 0, len(a.barSubs))
	for bt := range a.barSubs {
		bars = append(bars, bt)
	}
	a.subMu.Unlock()

	for _, id := range quotes {
		_ = a.send(opSubscribeQuotes, subscribeParams{InstrumentID: id})
	}
	for _, bt := range bars {
		_ = a.send(opSubscribeBars, subscribeParams{
			InstrumentID: bt.InstrumentID,
			IntervalSecs: int(bt.Interval.Seconds()),
		})
	}
	if len(quotes)+len(bars) > 0 {
		a.logger.Infof("replayed %d quote and %d bar subscriptions", len(quotes), len(bars))
	}
}

func (a *Adapter) send(op string, params any) error {
	req := request{ID: a.nextID.Add(1), Op: op, Params: marshalParams(params)}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	_, err = a.conn.Write(data)
	return err
}

// --- broker.Client ---------------------------------------------------------

func (a *Adapter) SubscribeQuotes(instrumentID string) error {
	a.subMu.Lock()
	_, dup := a.quoteSubs[instrumentID]
	a.quoteSubs[instrumentID] = struct{}{}
	a.subMu.Unlock()
	if dup {
		return nil
	}
	if !a.connected.Load() {
		return nil // replayed on connect
	}
	return a.send(opSubscribeQuotes, subscribeParams{InstrumentID: instrumentID})
}

func (a *Adapter) UnsubscribeQuotes(instrumentID string) error {
	a.subMu.Lock()
	delete(a.quoteSubs, instrumentID)
	a.subMu.Unlock()
	a.quoteMu.Lock()
	delete(a.quotes, instrumentID)
	delete(a.deltas, instrumentID)
	a.quoteMu.Unlock()
	if !a.connected.Load() {
		return nil
	}
	return a.send(opUnsubscribeQuotes, subscribeParams{InstrumentID: instrumentID})
}

func (a *Adapter) SubscribeBars(bt models.BarType) error {
	a.subMu.Lock()
	_, dup := a.barSubs[bt]
	a.barSubs[bt] = struct{}{}
	a.subMu.Unlock()
	if dup || !a.connected.Load() {
		return nil
	}
	return a.send(opSubscribeBars, subscribeParams{
		InstrumentID: bt.InstrumentID,
		IntervalSecs: int(bt.Interval.Seconds()),
	})
}

func (a *Adapter) UnsubscribeBars(bt models.BarType) error {
	a.subMu.Lock()
	delete(a.barSubs, bt)
	a.subMu.Unlock()
	if !a.connected.Load() {
		return nil
	}
	return a.send(opUnsubscribeBars, subscribeParams{
		InstrumentID: bt.InstrumentID,
		IntervalSecs: int(bt.Interval.Seconds()),
	})
}

func (a *Adapter) RequestInstrument(instrumentID string) error {
	return a.send(opInstrument, subscribeParams{InstrumentID: instrumentID})
}

func (a *Adapter) RequestInstruments(venue, selector string) error {
	return a.send(opInstruments, instrumentsParams{Venue: venue, Selector: selector})
}

// CreateSpread registers the multi-leg virtual instrument with the gateway
// and returns its deterministic id. The usable instrument arrives later as an
// InstrumentAdded event.
func (a *Adapter) CreateSpread(legs []models.SpreadLeg) (string, error) {
	id := models.SpreadSymbol(legs)
	if err := a.send(opCreateSpread, spreadParams{InstrumentID: id, Legs: legs}); err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, o models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.SubmittedAt = time.Now().UTC()
	return a.send(opSubmit, o)
}

func (a *Adapter) CancelOrder(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.send(opCancel, cancelParams{ClientID: clientID})
}

func (a *Adapter) CancelAllOrders(ctx context.Context, instrumentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.send(opCancelAll, cancelParams{InstrumentID: instrumentID})
}

func (a *Adapter) Events() <-chan broker.Event { return a.events }

func (a *Adapter) IsConnected() bool { return a.connected.Load() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectBackoff {
		d = maxReconnectBackoff
	}
	return d
}
