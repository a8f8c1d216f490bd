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

type orbFixture struct {
	t      *testing.T
	core   *runtime.Core
	strat  *ORB
	client *spreadClient
	cache  *bus.Cache
	clk    *clock.Fake
	trades *tradedb.Store
}

func newORBFixture(t *testing.T, typ string) *orbFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	trades, err := tradedb.Open(filepath.Join(t.TempDir(), "trading.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { trades.Close() })
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	cfg := models.StrategyConfig{
		ID:           "orb",
		Type:         typ,
		InstrumentID: "SPX",
		OrderSize:    1,
		Parameters:   map[string]any{"settle_seconds": 5},
	}
	strat, err := NewORB(cfg)
	require.NoError(t, err)

	client := newSpreadClient()
	cache := bus.NewCache()
	client.autoCache = cache
	clk := clock.NewFake(time.Date(2026, 8, 24, 9, 31, 0, 0, time.UTC), time.UTC)
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

	return &orbFixture{t: t, core: core, strat: strat, client: client, cache: cache, clk: clk, trades: trades}
}

func (f *orbFixture) run(fn func()) {
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

func (f *orbFixture) bar(h, m int, close float64) {
	f.clk.SetTime(time.Date(2026, 8, 24, h, m, 0, 0, time.UTC))
	b := &models.Bar{InstrumentID: "SPX", Interval: time.Minute, Close: close, Ts: f.clk.Now()}
	f.run(func() { f.strat.OnBar(f.core, b) })
}

func (f *orbFixture) freezeRange() {
	f.bar(9, 31, 5008)
	f.bar(9, 40, 4996)
	f.bar(9, 46, 5002)
	require.True(f.t, f.strat.st.Range.RangeCalculated)
}

func optQuote(id string, bid, ask float64) models.Quote {
	return models.Quote{InstrumentID: id, Bid: bid, Ask: ask, BidSize: 5, AskSize: 5}
}

// breakout closes through the range high with an ATM book seeded so the
// premium search can settle on a winner.
func (f *orbFixture) breakout() {
	f.cache.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 5009.5, Ask: 5010.5, BidSize: 1, AskSize: 1})
	f.bar(9, 47, 5010)
}

func (f *orbFixture) expiry() time.Time {
	return time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
}

func TestBreakoutSearchesAndSubmitsBracket(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()
	require.True(t, f.strat.st.Range.EntryAttemptedToday)

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(models.OptionSymbol("SPXW", f.expiry(), models.Call, 5010), 3.40, 3.50))
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.cache.SetQuote(optQuote(models.OptionSymbol("SPXW", f.expiry(), models.Call, 5020), 1.60, 1.70))

	f.clk.Advance(5 * time.Second)
	f.run(nil)

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, winner, o.InstrumentID)
	assert.Equal(t, models.Buy, o.Side)
	assert.Equal(t, 2.55, o.LimitPrice, "entry pegs the ask")
	require.NotNil(t, o.Bracket)
	assert.InDelta(t, 1.55, o.Bracket.StopLoss, 1e-9, "40%% stop off the limit")
	assert.InDelta(t, 3.05, o.Bracket.TakeProfit, 1e-9, "50 cent target")
	assert.Equal(t, winner, f.strat.st.ActiveOptionID)
}

func TestEntryAttemptLatchesEvenWhenSearchFindsNothing(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()
	require.True(t, f.strat.st.Range.EntryAttemptedToday, "latched before the search resolves")

	// No option quotes ever arrive; the search settles empty.
	f.clk.Advance(5 * time.Second)
	f.run(nil)
	_, ok := f.client.lastSubmitted()
	assert.False(t, ok)

	// A second breakout the same day does not try again.
	n := len(f.client.requestedIDs())
	f.bar(9, 50, 5012)
	assert.Len(t, f.client.requestedIDs(), n)
}

func TestProtectivePricesRecomputedFromActualFill(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.clk.Advance(5 * time.Second)
	f.run(nil)
	require.Equal(t, winner, f.strat.st.ActiveOptionID)

	// The limit was 2.55 but the order printed better.
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID: f.strat.st.EntryClientID, InstrumentID: winner,
			Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 2.40,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })

	assert.Equal(t, 2.40, f.strat.st.EntryPrice)
	assert.InDelta(t, 1.45, f.strat.st.SLPrice, 1e-9)
	assert.InDelta(t, 2.90, f.strat.st.TPPrice, 1e-9)

	rec := f.trades.GetTrade(f.strat.st.CurrentTradeID)
	require.NotNil(t, rec)
	assert.Equal(t, 2.40, rec.EntryPrice)
	assert.Equal(t, 240.0, rec.MaxLoss)
	assert.Equal(t, "LONG_C", rec.TradeType)
}

func TestPutVariantTriggersBelowRangeLow(t *testing.T) {
	f := newORBFixture(t, TypeORBLongPut)
	f.freezeRange()

	// An upside break is the wrong direction for a long put.
	f.bar(9, 47, 5010)
	assert.False(t, f.strat.st.Range.EntryAttemptedToday)

	f.cache.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 4994.5, Ask: 4995.5, BidSize: 1, AskSize: 1})
	f.bar(9, 48, 4995)
	assert.True(t, f.strat.st.Range.EntryAttemptedToday)
	assert.NotEmpty(t, f.client.requestedIDs())
	_, _, right, _, ok := models.ParseOptionSymbol(f.client.requestedIDs()[0])
	require.True(t, ok)
	assert.Equal(t, models.Put, right)
}

func TestHeartbeatArmsSoftwareStopWhenBracketMissing(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.clk.Advance(5 * time.Second)
	f.run(nil)

	entryID := f.strat.st.EntryClientID
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID: entryID, InstrumentID: winner,
			Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 2.50,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })
	f.cache.SetPosition(models.Position{InstrumentID: winner, Side: models.Long, Qty: 1})

	// No broker-side stop child exists in the book: the heartbeat falls back
	// to the in-process stop.
	f.run(func() { f.strat.OnTimer(f.core, timerHeartbeat, f.clk.Now()) })

	n := len(f.client.submitted)
	f.core.DeliverQuote(&models.Quote{InstrumentID: winner, Bid: 1.45, Ask: 1.50, BidSize: 1, AskSize: 1})
	assert.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.submitted) > n
	}, time.Second, 5*time.Millisecond, "stop close submitted on the crossing tick")

	o, ok := f.client.lastSubmitted()
	require.True(t, ok)
	assert.Equal(t, winner, o.InstrumentID)
	assert.Equal(t, models.Sell, o.Side)
	assert.Equal(t, models.ReasonStopLoss, o.Tag)
}

func TestHeartbeatLeavesWorkingBracketAlone(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.clk.Advance(5 * time.Second)
	f.run(nil)

	entryID := f.strat.st.EntryClientID
	ev := broker.Event{
		Kind: broker.EventOrderFilled,
		Order: &models.Order{
			ClientID: entryID, InstrumentID: winner,
			Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 2.50,
		},
	}
	f.run(func() { f.strat.OnOrderEvent(f.core, ev) })
	f.cache.SetPosition(models.Position{InstrumentID: winner, Side: models.Long, Qty: 1})
	f.cache.SetOrder(models.Order{
		ClientID: models.BracketSLID(entryID), InstrumentID: winner,
		Status: models.OrderSubmitted,
	})

	f.run(func() { f.strat.OnTimer(f.core, timerHeartbeat, f.clk.Now()) })

	n := len(f.client.submitted)
	f.core.DeliverQuote(&models.Quote{InstrumentID: winner, Bid: 1.00, Ask: 1.05, BidSize: 1, AskSize: 1})
	time.Sleep(50 * time.Millisecond)
	f.run(nil)
	assert.Len(t, f.client.submitted, n, "broker bracket owns the exit")
}

func TestExitFillClosesTradeWithBracketReason(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.clk.Advance(5 * time.Second)
	f.run(nil)

	entryID := f.strat.st.EntryClientID
	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderFilled,
			Order: &models.Order{
				ClientID: entryID, InstrumentID: winner,
				Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 2.50,
			},
		})
	})
	tradeID := f.strat.st.CurrentTradeID
	require.NotEmpty(t, tradeID)

	// The take-profit child fills and the book goes flat.
	f.cache.SetPosition(models.Position{InstrumentID: winner, Side: models.Flat, Qty: 0})
	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderFilled,
			Order: &models.Order{
				ClientID: models.BracketTPID(entryID), InstrumentID: winner,
				Status: models.OrderFilled, FilledQty: 1, AvgFillPrice: 3.05,
			},
		})
	})

	rec := f.trades.GetTrade(tradeID)
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeClosed, rec.Status)
	assert.Equal(t, models.ReasonTakeProfit, rec.ExitReason)
	assert.InDelta(t, 55.0, rec.GrossPnL, 1e-9)
	assert.Equal(t, models.Win, rec.Result)
	assert.Empty(t, f.strat.st.ActiveOptionID)
}

func TestEntryCancelClearsState(t *testing.T) {
	f := newORBFixture(t, TypeORBLongCall)
	f.freezeRange()
	f.breakout()

	winner := models.OptionSymbol("SPXW", f.expiry(), models.Call, 5015)
	f.cache.SetQuote(optQuote(winner, 2.45, 2.55))
	f.clk.Advance(5 * time.Second)
	f.run(nil)
	require.NotEmpty(t, f.strat.st.EntryClientID)

	f.run(func() {
		f.strat.OnOrderEvent(f.core, broker.Event{
			Kind: broker.EventOrderCanceled,
			Order: &models.Order{
				ClientID: f.strat.st.EntryClientID, InstrumentID: winner,
				Status: models.OrderCanceled,
			},
		})
	})

	assert.Empty(t, f.strat.st.ActiveOptionID)
	assert.Empty(t, f.strat.st.EntryClientID)
	assert.True(t, f.strat.st.Range.EntryAttemptedToday, "no retry after a dead entry")
}
