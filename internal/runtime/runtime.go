// Package runtime hosts the per-strategy execution core: the lifecycle state
// machine, the single-goroutine event mailbox, the order bookkeeping guards,
// and the bracket/close helpers every strategy shares. Strategy logic plugs in
// through the Handler interface.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

const (
	// marketMailboxSize bounds droppable market-data events.
	marketMailboxSize = 256
	// controlMailboxSize bounds order, timer and closure events. These are
	// never silently dropped.
	controlMailboxSize = 1024
)

// Handler is the strategy logic plugged into a Core. All methods run on the
// core's mailbox goroutine; within one callback every side effect completes
// before the next event is observed.
type Handler interface {
	ID() string
	Type() string

	OnStart(c *Core) error
	OnStop(c *Core)

	OnQuote(c *Core, q *models.Quote)
	OnBar(c *Core, b *models.Bar)
	OnOrderEvent(c *Core, ev broker.Event)
	OnInstrument(c *Core, in *models.Instrument)
	OnTimer(c *Core, name string, now time.Time)

	// StateRef returns the pointer the core persists and restores.
	StateRef() any
}

// Deps bundles the services a core is wired to.
type Deps struct {
	Clock  clock.Service
	Client broker.Client
	Cache  *bus.Cache
	Store  storage.Interface
	Trades *tradedb.Store
	Bus    *bus.Bus
	Search *optsearch.Engine
	Logger *logrus.Logger
}

type eventKind int

const (
	evQuote eventKind = iota
	evBar
	evOrder
	evInstrument
	evTimer
	evFunc
)

type event struct {
	kind       eventKind
	quote      *models.Quote
	bar        *models.Bar
	order      broker.Event
	instrument *models.Instrument
	timerName  string
	now        time.Time
	fn         func()
}

// Core runs one strategy.
type Core struct {
	cfg     models.StrategyConfig
	handler Handler
	deps    Deps
	logger  *logrus.Entry

	lifecycle *Lifecycle
	market    chan event
	control   chan event
	quit      chan struct{}
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	nonceMu sync.Mutex
	nonce   int64

	timerMu sync.Mutex
	timers  map[string]struct{}

	dropMu      sync.Mutex
	marketDrops uint64

	// Bookkeeping below is touched only on the mailbox goroutine (plus the
	// helpers strategies call from their callbacks, which run there too).

	// EntryOrderID is the client id of the working entry order, "" when none.
	EntryOrderID string
	// ActiveOptionID is the instrument the strategy actually holds (option
	// or spread), as opposed to the configured underlying.
	ActiveOptionID string
	// ActiveTradeID is the open trade row, "" when flat.
	ActiveTradeID string
	// ClosingInProgress suppresses duplicate close submissions.
	ClosingInProgress bool
	// SLTriggered latches once the software stop has fired.
	SLTriggered bool
	// TradeCommission accumulates commissions across the trade's executions.
	TradeCommission float64

	pendingEntries map[string]struct{}
	pendingExits   map[string]struct{}
	processedExecs map[string]struct{}
	exitReason     string

	softSL struct {
		armed      bool
		price      float64
		exitOnRise bool
	}
}

// NewCore wires a core around a handler. The returned core is in NEW; call
// Start to run it.
func NewCore(cfg models.StrategyConfig, handler Handler, deps Deps) *Core {
	return &Core{
		cfg:            cfg,
		handler:        handler,
		deps:           deps,
		logger:         deps.Logger.WithField("component", "strategy").WithField("strategy", handler.ID()),
		lifecycle:      NewLifecycle(),
		market:         make(chan event, marketMailboxSize),
		control:        make(chan event, controlMailboxSize),
		timers:         make(map[string]struct{}),
		pendingEntries: make(map[string]struct{}),
		pendingExits:   make(map[string]struct{}),
		processedExecs: make(map[string]struct{}),
	}
}

// ID returns the strategy id.
func (c *Core) ID() string { return c.handler.ID() }

// Config returns the strategy configuration.
func (c *Core) Config() models.StrategyConfig { return c.cfg }

// State returns the lifecycle state.
func (c *Core) State() State { return c.lifecycle.State() }

// Accessors for the wired services.
func (c *Core) Clock() clock.Service       { return c.deps.Clock }
func (c *Core) Client() broker.Client      { return c.deps.Client }
func (c *Core) Cache() *bus.Cache          { return c.deps.Cache }
func (c *Core) Trades() *tradedb.Store     { return c.deps.Trades }
func (c *Core) Search() *optsearch.Engine  { return c.deps.Search }
func (c *Core) Logger() *logrus.Entry      { return c.logger }
func (c *Core) Bus() *bus.Bus              { return c.deps.Bus }

// Start loads persisted state and spins up the mailbox loop. Starting a
// RUNNING core is a no-op.
func (c *Core) Start() error {
	switch c.lifecycle.State() {
	case StateRunning:
		return nil
	case StateNew:
		c.loadState()
		if err := c.lifecycle.Transition(StateReady); err != nil {
			return err
		}
	}
	if err := c.lifecycle.Transition(StateRunning); err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()

	c.invoke("OnStart", func() {
		if err := c.handler.OnStart(c); err != nil {
			c.logger.Errorf("OnStart: %v", err)
		}
	})
	return nil
}

// Stop drains the strategy: OnStop runs on the mailbox goroutine, state is
// saved, timers are cancelled. A core that never ran goes straight to
// STOPPED; stopping a STOPPED core is a no-op.
func (c *Core) Stop() error {
	switch c.lifecycle.State() {
	case StateStopped:
		return nil
	case StateNew, StateReady:
		// Never ran; nothing to drain.
		if c.lifecycle.Is(StateNew) {
			if err := c.lifecycle.Transition(StateReady); err != nil {
				return err
			}
		}
		return c.lifecycle.Transition(StateStopped)
	}
	if err := c.lifecycle.Transition(StateStopping); err != nil {
		return err
	}
	close(c.quit)
	<-c.done
	return c.lifecycle.Transition(StateStopped)
}

// Reset re-arms a STOPPED core: guards, pending sets and dedup state are
// cleared, persisted strategy state is kept.
func (c *Core) Reset() error {
	if err := c.lifecycle.Transition(StateResetting); err != nil {
		return err
	}
	c.EntryOrderID = ""
	c.ClosingInProgress = false
	c.SLTriggered = false
	c.TradeCommission = 0
	c.pendingEntries = make(map[string]struct{})
	c.pendingExits = make(map[string]struct{})
	c.processedExecs = make(map[string]struct{})
	c.softSL.armed = false
	c.market = make(chan event, marketMailboxSize)
	c.control = make(chan event, controlMailboxSize)
	return c.lifecycle.Transition(StateReady)
}

func (c *Core) run() {
	defer close(c.done)
	for {
		// Control events outrank market data.
		select {
		case ev := <-c.control:
			c.dispatch(ev)
			continue
		default:
		}
		select {
		case ev := <-c.control:
			c.dispatch(ev)
		case ev := <-c.market:
			c.dispatch(ev)
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Core) shutdown() {
	c.invokeSync("OnStop", func() { c.handler.OnStop(c) })
	c.SaveState()
	c.cancelAllTimers()
	c.cancel()
}

func (c *Core) dispatch(ev event) {
	switch ev.kind {
	case evQuote:
		c.checkSoftwareSL(ev.quote)
		c.invokeSync("OnQuote", func() { c.handler.OnQuote(c, ev.quote) })
	case evBar:
		c.invokeSync("OnBar", func() { c.handler.OnBar(c, ev.bar) })
	case evOrder:
		if c.preprocessOrderEvent(ev.order) {
			c.invokeSync("OnOrderEvent", func() { c.handler.OnOrderEvent(c, ev.order) })
		}
	case evInstrument:
		c.invokeSync("OnInstrument", func() { c.handler.OnInstrument(c, ev.instrument) })
	case evTimer:
		c.invokeSync("OnTimer", func() { c.handler.OnTimer(c, ev.timerName, ev.now) })
	case evFunc:
		c.invokeSync("callback", ev.fn)
	}
}

// invoke enqueues fn as a control event.
func (c *Core) invoke(name string, fn func()) {
	c.enqueueControl(event{kind: evFunc, fn: fn}, name)
}

// invokeSync runs fn under the panic envelope, on the mailbox goroutine.
func (c *Core) invokeSync(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn()
}

// --- event intake ----------------------------------------------------------

// DeliverQuote enqueues a quote; dropped with a warning when the market
// mailbox is full.
func (c *Core) DeliverQuote(q *models.Quote) {
	if !c.lifecycle.Is(StateRunning) {
		return
	}
	select {
	case c.market <- event{kind: evQuote, quote: q}:
	default:
		c.noteMarketDrop("quote")
	}
}

// DeliverBar enqueues a bar close; droppable like quotes.
func (c *Core) DeliverBar(b *models.Bar) {
	if !c.lifecycle.Is(StateRunning) {
		return
	}
	select {
	case c.market <- event{kind: evBar, bar: b}:
	default:
		c.noteMarketDrop("bar")
	}
}

// DeliverOrderEvent enqueues an order event on the control channel.
func (c *Core) DeliverOrderEvent(ev broker.Event) {
	if !c.lifecycle.Is(StateRunning) {
		return
	}
	c.enqueueControl(event{kind: evOrder, order: ev}, string(ev.Kind))
}

// DeliverInstrument enqueues an instrument definition.
func (c *Core) DeliverInstrument(in *models.Instrument) {
	if !c.lifecycle.Is(StateRunning) {
		return
	}
	c.enqueueControl(event{kind: evInstrument, instrument: in}, "instrument")
}

// Enqueue schedules fn on the mailbox goroutine. Search callbacks and other
// cross-goroutine work re-enter the strategy through here.
func (c *Core) Enqueue(fn func()) {
	c.enqueueControl(event{kind: evFunc, fn: fn}, "closure")
}

func (c *Core) enqueueControl(ev event, what string) {
	select {
	case c.control <- ev:
	default:
		// A full control channel is a stall, not load shedding.
		c.logger.Errorf("control mailbox full, dropping %s event", what)
	}
}

func (c *Core) noteMarketDrop(what string) {
	c.dropMu.Lock()
	c.marketDrops++
	n := c.marketDrops
	c.dropMu.Unlock()
	if n == 1 || n%1000 == 0 {
		c.logger.Warnf("market mailbox full, dropped %d events (last: %s)", n, what)
	}
}

// --- timers ----------------------------------------------------------------

// SetAlert arms a named one-shot timer whose firing is delivered as a timer
// event on the mailbox. Names are scoped to this strategy.
func (c *Core) SetAlert(name string, at time.Time) {
	full := c.timerName(name)
	c.timerMu.Lock()
	c.timers[full] = struct{}{}
	c.timerMu.Unlock()
	c.deps.Clock.SetAlert(full, at, func(now time.Time) {
		c.timerMu.Lock()
		delete(c.timers, full)
		c.timerMu.Unlock()
		c.enqueueControl(event{kind: evTimer, timerName: name, now: now}, "timer "+name)
	})
}

// SetPeriodic arms a named repeating timer delivered as timer events.
func (c *Core) SetPeriodic(name string, every time.Duration) {
	full := c.timerName(name)
	c.timerMu.Lock()
	c.timers[full] = struct{}{}
	c.timerMu.Unlock()
	c.deps.Clock.SetPeriodic(full, every, func(now time.Time) {
		c.enqueueControl(event{kind: evTimer, timerName: name, now: now}, "timer "+name)
	})
}

// CancelTimer stops a named timer.
func (c *Core) CancelTimer(name string) {
	full := c.timerName(name)
	c.timerMu.Lock()
	delete(c.timers, full)
	c.timerMu.Unlock()
	c.deps.Clock.Cancel(full)
}

func (c *Core) cancelAllTimers() {
	c.timerMu.Lock()
	names := make([]string, 0, len(c.timers))
	for n := range c.timers {
		names = append(names, n)
	}
	c.timers = make(map[string]struct{})
	c.timerMu.Unlock()
	for _, n := range names {
		c.deps.Clock.Cancel(n)
	}
}

func (c *Core) timerName(name string) string {
	return c.handler.ID() + "/" + name
}

// --- persistence -----------------------------------------------------------

func (c *Core) loadState() {
	ref := c.handler.StateRef()
	if ref == nil {
		return
	}
	if err := c.deps.Store.LoadState(c.handler.ID(), ref); err != nil {
		if err != storage.ErrNotFound {
			c.logger.Warnf("load state: %v", err)
		}
		return
	}
	c.logger.Info("persisted state restored")
}

// SaveState persists the handler's state document. Strategies call this on
// every meaningful mutation.
func (c *Core) SaveState() {
	ref := c.handler.StateRef()
	if ref == nil {
		return
	}
	if err := c.deps.Store.SaveState(c.handler.ID(), ref); err != nil {
		c.logger.Errorf("save state: %v", err)
	}
}

// --- notifications ---------------------------------------------------------

// Notify logs the message and publishes it on the notification topic.
func (c *Core) Notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Info(msg)
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(bus.TopicNotification, map[string]string{
			"strategy": c.handler.ID(),
			"message":  msg,
		})
	}
}

// owns reports whether a client order id was issued by this strategy,
// including derived bracket-child ids.
func (c *Core) owns(clientID string) bool {
	return strings.HasPrefix(clientID, c.handler.ID()+"-")
}
