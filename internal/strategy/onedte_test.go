package strategy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

type oneDTEFixture struct {
	t      *testing.T
	core   *runtime.Core
	strat  *OneDTE
	client *spreadClient
	cache  *bus.Cache
	clk    *clock.Fake
	trades *tradedb.Store
}

func newOneDTEFixture(t *testing.T, params map[string]any) *oneDTEFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	trades, err := tradedb.Open(filepath.Join(t.TempDir(), "trading.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { trades.Close() })
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	merged := map[string]any{"settle_seconds": 5}
	for k, v := range params {
		merged[k] = v
	}
	cfg := models.StrategyConfig{
		ID:           "1dte",
		Type:         TypeSPX1DTE,
		InstrumentID: "SPX",
		OrderSize:    1,
		Parameters:   merged,
	}
	strat, err := NewOneDTE(cfg)
	require.NoError(t, err)

	client := newSpreadClient()
	cache := bus.NewCache()
	client.autoCache = cache
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC), time.UTC)
	search := optsearch.New(clk, client, cache, logger)

	core := runtime.NewCore(cfg, strat, runtime.Deps{
		Clock:  clk,
		Client: client,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Search: search,
		Logger: logger,
	})
	require.NoError(t, core.Start())
	t.Cleanup(func() { _ = core.Stop() })

	f := &oneDTEFixture{t: t, core: core, strat: strat, client: client, cache: cache, clk: clk, trades: trades}
	// Tests drive the scan by hand; the live periodic would also go off
	// while the fake clock jumps.
	f.run(nil)
	core.CancelTimer(timerEntryScan)
	return f
}

func (f *oneDTEFixture) run(fn func()) {
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

// seedBullishTrend loads enough ES history that every average sits well
// below the live price.
func (f *oneDTEFixture) seedBullishTrend() {
	f.run(func() {
		for i := 0; i < 22; i++ {
			b := &models.Bar{InstrumentID: "ES", Interval: 24 * time.Hour,
				Open: 4900 + float64(i*5) - 2, Close: 4900 + float64(i*5), Volume: 1000}
			f.strat.OnBar(f.core, b)
		}
		for i := 0; i < 12; i++ {
			b := &models.Bar{InstrumentID: "ES", Interval: time.Minute, Close: 5000 + float64(i)}
			f.strat.OnBar(f.core, b)
		}
	})
	f.cache.SetQuote(models.Quote{InstrumentID: "ES", Bid: 5049.5, Ask: 5050.5, BidSize: 1, AskSize: 1})
	f.cache.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 5004.3, Ask: 5005.3, BidSize: 1, AskSize: 1})
}

// feedIndexCloses runs minute closes through the range engine; the second
// close freezes the opening range at the first.
func (f *oneDTEFixture) feedIndexCloses(closes ...float64) {
	f.run(func() {
		for _, cl := range closes {
			f.strat.OnBar(f.core, &models.Bar{InstrumentID: "SPX", Interval: time.Minute, Close: cl})
		}
	})
}

// seedBullishBreakout freezes the opening range and breaks it to the upside.
func (f *oneDTEFixture) seedBullishBreakout() {
	f.feedIndexCloses(5000, 5006)
}

func (f *oneDTEFixture) scan() {
	f.run(func() { f.strat.OnTimer(f.core, timerEntryScan, f.clk.Now()) })
}

func (f *oneDTEFixture) expiry() time.Time {
	return time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
}

func (f *oneDTEFixture) putQuote(strike, bid, ask, delta float64) {
	id := models.OptionSymbol("SPXW", f.expiry(), models.Put, strike)
	f.cache.SetQuote(models.Quote{
		InstrumentID: id, Bid: bid, Ask: ask, BidSize: 5, AskSize: 5,
		Delta: delta, HasGreeks: true,
	})
}

// settleSearch advances past one search's settle delay and drains the
// mailbox so the follow-up work completes.
func (f *oneDTEFixture) settleSearch() {
	f.clk.Advance(5 * time.Second)
	f.run(nil)
}

func TestOneDTESelectsLegsByDeltaAndSubmits(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.seedBullishTrend()
	f.seedBullishBreakout()
	f.putQuote(5005, 8.95, 9.05, -0.45)
	f.putQuote(5000, 5.95, 6.05, -0.25)
	f.putQuote(4995, 3.95, 4.05, -0.13)

	f.scan()
	require.True(t, f.strat.st.EntryInProgress)
	require.True(t, f.strat.st.EntryAttemptedToday)
	f.settleSearch() // short leg
	f.settleSearch() // long wing

	assert.Equal(t, models.OptionSymbol("SPXW", f.expiry(), models.Put, 5000), f.strat.st.ShortLeg)
	assert.Equal(t, models.OptionSymbol("SPXW", f.expiry(), models.Put, 4995), f.strat.st.LongLeg)

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, f.strat.st.SpreadID, o.InstrumentID)
	assert.Equal(t, models.Buy, o.Side)
	assert.Equal(t, -2.00, o.LimitPrice, "credit of 6.00 - 4.00")
	assert.Equal(t, 1.0, o.Qty)

	rec := f.trades.GetTrade(f.strat.st.CurrentTradeID)
	require.NotNil(t, rec)
	assert.Equal(t, "PUT_CREDIT_SPREAD", rec.TradeType)
	assert.Equal(t, -2.00, rec.EntryPrice)
	assert.Equal(t, 200.0, rec.MaxProfit)
	assert.Equal(t, 300.0, rec.MaxLoss, "5 wide minus 2.00 credit")
}

func TestOneDTEInvertedStrikesAbort(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.seedBullishTrend()
	f.seedBullishBreakout()
	// Only two strikes quote; both delta searches land on 5000.
	f.putQuote(5005, 8.95, 9.05, -0.45)
	f.putQuote(5000, 5.95, 6.05, -0.25)

	f.scan()
	f.settleSearch()
	f.settleSearch()

	_, ok := f.client.lastSubmitted()
	assert.False(t, ok, "no order on an inverted pair")
	assert.False(t, f.strat.st.EntryInProgress)
	assert.True(t, f.strat.st.EntryAttemptedToday)
}

func TestOneDTETrendFilterHoldsEntry(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.seedBullishTrend()
	f.seedBullishBreakout()
	// Price collapses under every average.
	f.cache.SetQuote(models.Quote{InstrumentID: "ES", Bid: 3999.5, Ask: 4000.5, BidSize: 1, AskSize: 1})

	f.scan()

	assert.Empty(t, f.client.requestedIDs())
	assert.False(t, f.strat.st.EntryInProgress)
	assert.False(t, f.strat.st.EntryAttemptedToday, "filter misses retry later")
}

func TestOneDTENoRangeBreakoutHoldsEntry(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.seedBullishTrend()
	f.putQuote(5000, 5.95, 6.05, -0.25)
	f.putQuote(4995, 3.95, 4.05, -0.13)

	// No index bars at all: the range never froze.
	f.scan()
	assert.Empty(t, f.client.requestedIDs())
	assert.False(t, f.strat.st.EntryInProgress)

	// Range frozen but never broken to the upside.
	f.feedIndexCloses(5000, 5000)
	f.scan()
	assert.Empty(t, f.client.requestedIDs())
	assert.False(t, f.strat.st.EntryInProgress)
	assert.False(t, f.strat.st.EntryAttemptedToday, "breakout misses retry later")
}

func TestOneDTEDownsideBreakInvalidatesDay(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.seedBullishTrend()
	// Upside break, then the low gives way.
	f.feedIndexCloses(5000, 5006, 4994)

	f.scan()

	assert.Empty(t, f.client.requestedIDs())
	assert.False(t, f.strat.st.EntryInProgress)
}

func TestOneDTEMacroDateBlocksDay(t *testing.T) {
	f := newOneDTEFixture(t, map[string]any{
		"macro_event_dates": []any{"2026-08-24"},
	})
	f.seedBullishTrend()

	f.scan()

	assert.Empty(t, f.client.requestedIDs())
	assert.True(t, f.strat.st.EntryAttemptedToday, "blocked days burn the attempt")
}

func TestOneDTEDayBeforeMacroBlocks(t *testing.T) {
	f := newOneDTEFixture(t, map[string]any{
		"macro_event_dates":      []any{"2026-08-25"},
		"block_day_before_macro": true,
	})
	f.seedBullishTrend()

	f.scan()

	assert.Empty(t, f.client.requestedIDs())
	assert.True(t, f.strat.st.EntryAttemptedToday)
}

func (f *oneDTEFixture) enterSpread(t *testing.T) {
	t.Helper()
	f.seedBullishTrend()
	f.seedBullishBreakout()
	f.putQuote(5005, 8.95, 9.05, -0.45)
	f.putQuote(5000, 5.95, 6.05, -0.25)
	f.putQuote(4995, 3.95, 4.05, -0.13)
	f.scan()
	f.settleSearch()
	f.settleSearch()
	require.NotEmpty(t, f.strat.st.EntryClientID)

	f.cache.SetPosition(models.Position{InstrumentID: f.strat.st.SpreadID, Side: models.Long, Qty: 1})
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID: f.strat.st.EntryClientID, InstrumentID: f.strat.st.SpreadID,
			Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: -2.00,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })
	require.True(t, f.strat.holding())
}

func (f *oneDTEFixture) spreadQuote(bid, ask float64) {
	q := &models.Quote{InstrumentID: f.strat.st.SpreadID, Bid: bid, Ask: ask, BidSize: 1, AskSize: 1}
	f.run(func() { f.strat.OnQuote(f.core, q) })
}

func TestOneDTEPercentageStop(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)

	// 180% stop on a 2.00 credit: closing debit 5.60.
	f.spreadQuote(-5.65, -5.55)

	assert.True(t, f.core.SLTriggered)
	assert.Contains(t, f.client.cancelledAll, f.strat.st.SpreadID)
	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, models.ReasonStopLoss, o.Tag)
	assert.InDelta(t, -5.65, o.LimitPrice, 1e-9)
}

func TestOneDTEPercentageTarget(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)

	// 40% target on a 2.00 credit: closing debit 1.20.
	f.spreadQuote(-1.25, -1.15)

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, models.ReasonTakeProfit, o.Tag)
	assert.InDelta(t, -1.20, o.LimitPrice, 1e-9)
}

func TestOneDTEOvernightResetPreservesPosition(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)
	spreadID := f.strat.st.SpreadID
	tradeID := f.strat.st.CurrentTradeID

	f.clk.SetTime(time.Date(2026, 8, 25, 9, 35, 0, 0, time.UTC))
	f.scan()

	assert.False(t, f.strat.st.EntryAttemptedToday, "fresh attempt budget")
	assert.False(t, f.strat.st.Range.RangeCalculated, "range resets with the day")
	assert.False(t, f.strat.st.Range.HighBreached)
	assert.False(t, f.strat.st.Range.LowBreached)
	assert.Equal(t, spreadID, f.strat.st.SpreadID)
	assert.Equal(t, tradeID, f.strat.st.CurrentTradeID)
	assert.Equal(t, 2.00, f.strat.st.SpreadEntryPrice)
	assert.True(t, f.strat.holding())
}

func TestOneDTEExpiryAfternoonFlattens(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)

	f.cache.SetQuote(models.Quote{
		InstrumentID: f.strat.st.SpreadID, Bid: -1.55, Ask: -1.45, BidSize: 1, AskSize: 1,
	})
	f.clk.SetTime(time.Date(2026, 8, 25, 15, 50, 0, 0, time.UTC))
	f.scan()

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, models.ReasonEndOfDay, o.Tag)
	assert.InDelta(t, -1.50, o.LimitPrice, 1e-9, "closes at the tracked mid")
}

func TestOneDTEExitPricePrefersParentSpreadOrder(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)
	tradeID := f.strat.st.CurrentTradeID
	spreadID := f.strat.st.SpreadID
	shortLeg := f.strat.st.ShortLeg

	// Trigger the target so an exit is in flight with a tracked limit.
	f.spreadQuote(-1.25, -1.15)

	// A leg execution reports a component price; it must not close the trade.
	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderFilled,
			Order: &models.Order{
				ClientID: "1dte-5-5", InstrumentID: shortLeg,
				Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 3.60,
			},
		})
	})
	rec := f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeOpen, rec.Status)

	// The parent spread order's average closes it.
	f.cache.SetPosition(models.Position{InstrumentID: spreadID, Side: models.Flat, Qty: 0})
	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderFilled,
			Order: &models.Order{
				ClientID: "1dte-6-6", InstrumentID: spreadID,
				Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: -1.18,
			},
		})
	})

	rec = f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeClosed, rec.Status)
	assert.InDelta(t, -1.18, rec.ExitPrice, 1e-9)
	assert.Equal(t, models.ReasonTakeProfit, rec.ExitReason)
	assert.InDelta(t, 82.0, rec.GrossPnL, 1e-9, "(-1.18 - -2.00) x 100")
}

func TestOneDTEExitFallsBackToTrackedLimit(t *testing.T) {
	f := newOneDTEFixture(t, nil)
	f.enterSpread(t)
	tradeID := f.strat.st.CurrentTradeID
	spreadID := f.strat.st.SpreadID

	f.spreadQuote(-1.25, -1.15)

	// The venue omits the average on the parent fill.
	f.cache.SetPosition(models.Position{InstrumentID: spreadID, Side: models.Flat, Qty: 0})
	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderFilled,
			Order: &models.Order{
				ClientID: "1dte-7-7", InstrumentID: spreadID,
				Status: models.OrderFilled, FilledQty: 1,
			},
		})
	})

	rec := f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeClosed, rec.Status)
	assert.InDelta(t, -1.20, rec.ExitPrice, 1e-9, "tracked close limit stands in")
}
