package strategy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

// spreadClient records broker calls. With autoCache set, instrument requests
// resolve immediately into the cache, the way a connected gateway would.
type spreadClient struct {
	mu           sync.Mutex
	submitted    []models.Order
	cancelled    []string
	cancelledAll []string
	requested    []string
	autoCache    *bus.Cache
	events       chan broker.Event
}

func newSpreadClient() *spreadClient {
	return &spreadClient{events: make(chan broker.Event, 64)}
}

func (sc *spreadClient) SubscribeQuotes(string) error         { return nil }
func (sc *spreadClient) UnsubscribeQuotes(string) error       { return nil }
func (sc *spreadClient) SubscribeBars(models.BarType) error   { return nil }
func (sc *spreadClient) UnsubscribeBars(models.BarType) error { return nil }

func (sc *spreadClient) RequestInstrument(id string) error {
	sc.mu.Lock()
	sc.requested = append(sc.requested, id)
	cache := sc.autoCache
	sc.mu.Unlock()
	if cache != nil {
		if root, expiry, right, strike, ok := models.ParseOptionSymbol(id); ok {
			cache.SetInstrument(models.NewOption(root, expiry, right, strike))
		}
	}
	return nil
}

func (sc *spreadClient) RequestInstruments(_, _ string) error { return nil }

func (sc *spreadClient) CreateSpread(legs []models.SpreadLeg) (string, error) {
	return models.SpreadSymbol(legs), nil
}

func (sc *spreadClient) SubmitOrder(_ context.Context, o models.Order) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.submitted = append(sc.submitted, o)
	return nil
}

func (sc *spreadClient) CancelOrder(_ context.Context, clientID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cancelled = append(sc.cancelled, clientID)
	return nil
}

func (sc *spreadClient) CancelAllOrders(_ context.Context, instrumentID string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cancelledAll = append(sc.cancelledAll, instrumentID)
	return nil
}

func (sc *spreadClient) Events() <-chan broker.Event { return sc.events }
func (sc *spreadClient) IsConnected() bool           { return true }

func (sc *spreadClient) lastSubmitted() (models.Order, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.submitted) == 0 {
		return models.Order{}, false
	}
	return sc.submitted[len(sc.submitted)-1], true
}

func (sc *spreadClient) requestedIDs() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.requested...)
}

type spxFixture struct {
	t      *testing.T
	core   *runtime.Core
	strat  *SPX15Range
	client *spreadClient
	cache  *bus.Cache
	clk    *clock.Fake
	trades *tradedb.Store
}

func newSPXFixture(t *testing.T) *spxFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	trades, err := tradedb.Open(filepath.Join(t.TempDir(), "trading.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { trades.Close() })
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	cfg := models.StrategyConfig{
		ID:           "spx15",
		Type:         TypeSPX15Range,
		InstrumentID: "SPX",
		OrderSize:    2,
	}
	strat, err := NewSPX15Range(cfg)
	require.NoError(t, err)

	client := newSpreadClient()
	cache := bus.NewCache()
	clk := clock.NewFake(time.Date(2026, 8, 24, 9, 31, 0, 0, time.UTC), time.UTC)

	core := runtime.NewCore(cfg, strat, runtime.Deps{
		Clock:  clk,
		Client: client,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Logger: logger,
	})
	require.NoError(t, core.Start())
	t.Cleanup(func() { _ = core.Stop() })

	return &spxFixture{t: t, core: core, strat: strat, client: client, cache: cache, clk: clk, trades: trades}
}

// run executes fn on the mailbox goroutine and waits for it to complete,
// which also guarantees every earlier control event has been dispatched.
func (f *spxFixture) run(fn func()) {
	f.t.Helper()
	done := make(chan struct{})
	f.core.Enqueue(func() {
		if fn != nil {
			fn()
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		f.t.Fatal("mailbox stalled")
	}
}

func (f *spxFixture) bar(h, m int, close float64) {
	f.clk.SetTime(time.Date(2026, 8, 24, h, m, 0, 0, time.UTC))
	b := &models.Bar{InstrumentID: "SPX", Interval: time.Minute, Close: close, Ts: f.clk.Now()}
	f.run(func() { f.strat.OnBar(f.core, b) })
}

// freezeRange builds an opening range of 4996..5008 and freezes it.
func (f *spxFixture) freezeRange() {
	f.bar(9, 31, 5008)
	f.bar(9, 40, 4996)
	f.bar(9, 46, 5002)
	require.True(f.t, f.strat.st.Range.RangeCalculated)
	require.Equal(f.t, 5008.0, f.strat.st.Range.ORHigh)
	require.Equal(f.t, 4996.0, f.strat.st.Range.ORLow)
}

// breakDown closes below the range low, arming a bearish call-spread entry.
func (f *spxFixture) breakDown() (shortLeg, longLeg string) {
	f.cache.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 4994.5, Ask: 4995.5, BidSize: 1, AskSize: 1})
	f.bar(9, 47, 4995)
	require.True(f.t, f.strat.st.EntryInProgress)
	require.Equal(f.t, "BEARISH", f.strat.st.Direction)
	return f.strat.st.ShortLeg, f.strat.st.LongLeg
}

// deliverLegs quotes both legs and feeds their instrument events, which
// composes the spread and submits the entry.
func (f *spxFixture) deliverLegs(shortLeg, longLeg string, shortMid, longMid float64) {
	f.cache.SetQuote(models.Quote{InstrumentID: shortLeg, Bid: shortMid - 0.05, Ask: shortMid + 0.05, BidSize: 1, AskSize: 1})
	f.cache.SetQuote(models.Quote{InstrumentID: longLeg, Bid: longMid - 0.05, Ask: longMid + 0.05, BidSize: 1, AskSize: 1})
	for _, id := range []string{shortLeg, longLeg} {
		root, expiry, right, strike, ok := models.ParseOptionSymbol(id)
		require.True(f.t, ok)
		in := models.NewOption(root, expiry, right, strike)
		f.cache.SetInstrument(in)
		f.run(func() { f.strat.OnInstrument(f.core, in) })
	}
}

func (f *spxFixture) fillEntry() {
	f.cache.SetPosition(models.Position{InstrumentID: f.strat.st.SpreadID, Side: models.Long, Qty: f.strat.st.Qty})
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID:     f.strat.st.EntryClientID,
			InstrumentID: f.strat.st.SpreadID,
			Status:       models.OrderFilled,
			FilledQty:    f.strat.st.Qty,
			AvgFillPrice: -f.strat.st.SpreadEntryPrice,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })
}

func (f *spxFixture) spreadQuote(bid, ask float64) {
	q := &models.Quote{InstrumentID: f.strat.st.SpreadID, Bid: bid, Ask: ask, BidSize: 1, AskSize: 1}
	f.run(func() { f.strat.OnQuote(f.core, q) })
}

func TestBearishBreakSellsCallSpreadAboveRange(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()

	// Short strike snaps one step above the range high.
	expiry := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, models.OptionSymbol("SPXW", expiry, models.Call, 5010), shortLeg)
	assert.Equal(t, models.OptionSymbol("SPXW", expiry, models.Call, 5015), longLeg)
	assert.ElementsMatch(t, []string{shortLeg, longLeg}, f.client.requestedIDs())

	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, f.strat.st.SpreadID, o.InstrumentID)
	assert.Equal(t, models.Buy, o.Side)
	assert.Equal(t, models.Limit, o.Type)
	assert.Equal(t, -0.50, o.LimitPrice, "net credit prints as a negative limit")
	assert.Equal(t, 2.0, o.Qty)

	rec := f.trades.GetTrade(f.strat.st.CurrentTradeID)
	require.NotNil(t, rec)
	assert.Equal(t, -0.50, rec.EntryPrice)
	assert.Equal(t, 100.0, rec.MaxProfit)
	assert.Equal(t, 900.0, rec.MaxLoss)
	assert.Equal(t, "CALL_CREDIT_SPREAD", rec.TradeType)
}

func TestOppositeBreachInvalidatesEntry(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()

	// The high side broke first; a later downside break must not trade.
	f.run(func() { f.strat.st.Range.HighBreached = true })
	n := len(f.client.requestedIDs())

	f.bar(9, 50, 4995)
	assert.True(t, f.strat.st.Range.LowBreached)
	assert.False(t, f.strat.st.EntryInProgress)
	assert.Len(t, f.client.requestedIDs(), n, "no legs requested after cross-invalidation")
}

func TestStaleSignalAbortsBeforeSubmission(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()

	// Legs resolve too late; the break is no longer actionable.
	f.run(func() { f.strat.st.SignalTime = f.strat.st.SignalTime.Add(-3 * time.Minute) })
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)

	_, ok := f.client.lastSubmitted()
	assert.False(t, ok, "no order after signal expiry")
	assert.False(t, f.strat.st.EntryInProgress)
	assert.True(t, f.strat.st.Range.TradedToday, "one attempt per day, aborted or not")
	assert.True(t, f.strat.st.Range.EntryAttemptedToday)
}

func TestThinCreditAborts(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()

	f.deliverLegs(shortLeg, longLeg, 0.90, 0.70)

	_, ok := f.client.lastSubmitted()
	assert.False(t, ok, "0.20 credit is below the minimum")
	assert.True(t, f.strat.st.Range.TradedToday)
}

func TestPartialFillRescalesTrade(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)

	entryID := f.strat.st.EntryClientID
	tradeID := f.strat.st.CurrentTradeID
	f.cache.SetOrder(models.Order{
		ClientID: entryID, InstrumentID: f.strat.st.SpreadID,
		Status: models.OrderPartiallyFilled, FilledQty: 1,
	})

	f.run(func() { f.strat.OnTimer(f.core, timerFillTimeout, f.clk.Now()) })

	assert.Contains(t, f.client.cancelled, entryID)
	assert.Equal(t, 1.0, f.strat.st.Qty)
	rec := f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, 1.0, rec.Quantity)
	assert.Equal(t, 50.0, rec.MaxProfit)
	assert.Equal(t, 450.0, rec.MaxLoss)
}

func TestZeroFillTimeoutAbandonsTrade(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)

	entryID := f.strat.st.EntryClientID
	tradeID := f.strat.st.CurrentTradeID
	f.run(func() { f.strat.OnTimer(f.core, timerFillTimeout, f.clk.Now()) })

	assert.Contains(t, f.client.cancelled, entryID)
	assert.Nil(t, f.trades.GetTrade(tradeID), "pre-recorded trade removed")
	assert.Empty(t, f.strat.st.SpreadID)
	assert.Empty(t, f.strat.st.CurrentTradeID)
	assert.False(t, f.strat.st.EntryInProgress)
}

func TestSpreadTickUpdatesUnrealizedPnL(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)
	f.fillEntry()

	// Spread marked at -0.30: 0.20 of the 0.50 credit captured.
	f.spreadQuote(-0.35, -0.25)

	rec := f.trades.GetTrade(f.strat.st.CurrentTradeID)
	require.NotNil(t, rec)
	assert.InDelta(t, 40.0, rec.MaxUnrealizedProfit, 1e-9)
}

func TestStopOverridesPendingTakeProfit(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)
	f.fillEntry()

	// A take-profit close is already working when the market collapses
	// through the stop. The stop cancels it and forces its own exit.
	f.run(func() { f.core.ClosingInProgress = true })
	f.spreadQuote(-1.55, -1.45)

	assert.True(t, f.core.SLTriggered)
	assert.Contains(t, f.client.cancelledAll, f.strat.st.SpreadID)
	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, models.ReasonStopLoss, o.Tag)
	assert.Equal(t, models.Sell, o.Side)
	assert.InDelta(t, -1.55, o.LimitPrice, 1e-9, "aggressive limit one tick through the mid")
}

func TestTakeProfitClosesAtTarget(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)
	f.fillEntry()

	// Target is credit minus tp_cents: -(0.50 - 0.25) = -0.25.
	f.spreadQuote(-0.25, -0.15)

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, models.ReasonTakeProfit, o.Tag)
	assert.Equal(t, models.Limit, o.Type)
	assert.InDelta(t, -0.20, o.LimitPrice, 1e-9)
}

func TestExitFillClosesTradeWithSpreadPnL(t *testing.T) {
	f := newSPXFixture(t)
	f.freezeRange()
	shortLeg, longLeg := f.breakDown()
	f.deliverLegs(shortLeg, longLeg, 1.20, 0.70)
	f.fillEntry()
	tradeID := f.strat.st.CurrentTradeID
	spreadID := f.strat.st.SpreadID

	// Take-profit triggers, then the close fills and the book goes flat.
	f.spreadQuote(-0.15, -0.05)
	f.cache.SetPosition(models.Position{InstrumentID: spreadID, Side: models.Flat, Qty: 0})
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID: "spx15-9-9", InstrumentID: spreadID,
			Status: models.OrderFilled, FilledQty: 2, AvgFillPrice: -0.10,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })

	rec := f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeClosed, rec.Status)
	assert.InDelta(t, 80.0, rec.GrossPnL, 1e-9, "(-0.10 - -0.50) x 100 x 2")
	assert.Equal(t, models.ReasonTakeProfit, rec.ExitReason)
	assert.Equal(t, models.Win, rec.Result)

	assert.Empty(t, f.strat.st.SpreadID)
	assert.Empty(t, f.strat.st.CurrentTradeID)
}
