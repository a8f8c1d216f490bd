package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/manager"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

// nopClient satisfies broker.Client; the jobs never touch the broker directly.
type nopClient struct{ events chan broker.Event }

func (n *nopClient) SubscribeQuotes(string) error       { return nil }
func (n *nopClient) UnsubscribeQuotes(string) error     { return nil }
func (n *nopClient) SubscribeBars(models.BarType) error { return nil }

func (n *nopClient) UnsubscribeBars(models.BarType) error { return nil }
func (n *nopClient) RequestInstrument(string) error       { return nil }
func (n *nopClient) RequestInstruments(_, _ string) error { return nil }

func (n *nopClient) CreateSpread(legs []models.SpreadLeg) (string, error) {
	return models.SpreadSymbol(legs), nil
}

func (n *nopClient) SubmitOrder(context.Context, models.Order) error { return nil }
func (n *nopClient) CancelOrder(context.Context, string) error       { return nil }
func (n *nopClient) CancelAllOrders(context.Context, string) error   { return nil }

func (n *nopClient) Events() <-chan broker.Event { return n.events }
func (n *nopClient) IsConnected() bool           { return true }

type fixture struct {
	sched  *Scheduler
	trades *tradedb.Store
	bus    *bus.Bus
	hook   *logtest.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	trades, err := tradedb.Open(filepath.Join(t.TempDir(), "trading.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { trades.Close() })

	client := &nopClient{events: make(chan broker.Event, 1)}
	cache := bus.NewCache()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), time.UTC)
	b := bus.New(logger)

	mgr := manager.New(manager.Deps{
		Clock:  clk,
		Client: client,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Bus:    b,
		Search: optsearch.New(clk, client, cache, logger),
		Logger: logger,
	}, manager.Options{StartSettle: 10 * time.Millisecond})

	sched, err := New(trades, mgr, b, logger)
	require.NoError(t, err)
	return &fixture{sched: sched, trades: trades, bus: b, hook: hook}
}

func closeTrade(t *testing.T, trades *tradedb.Store, id, strategyID string, exit float64) {
	t.Helper()
	require.NoError(t, trades.StartTrade(models.TradeRecord{
		TradeID:      id,
		StrategyID:   strategyID,
		InstrumentID: "SPXW260824C05005000",
		TradeType:    "LONG_C",
		Quantity:     1,
		EntryTime:    time.Now().Add(-time.Hour),
		EntryPrice:   2.50,
	}))
	rec := trades.CloseTrade(id, exit, models.ReasonTakeProfit, time.Now(), 1.30)
	require.NotNil(t, rec)
}

func TestWALCheckpointLogsCounts(t *testing.T) {
	f := newFixture(t)
	closeTrade(t, f.trades, "s1-1", "s1", 3.00)

	f.sched.walCheckpoint()

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Contains(t, entry.Message, "wal checkpoint")
	assert.Contains(t, entry.Message, "busy=0")
}

func TestEndOfDaySummaryAggregatesClosedTrades(t *testing.T) {
	f := newFixture(t)
	closeTrade(t, f.trades, "s1-1", "s1", 3.00) // +48.70 net
	closeTrade(t, f.trades, "s1-2", "s1", 2.00) // -51.30 net
	closeTrade(t, f.trades, "s2-1", "s2", 3.00) // +48.70 net

	sub := f.bus.Subscribe(bus.TopicSystemStatus)
	defer sub.Close()

	f.sched.endOfDaySummary()

	select {
	case msg := <-sub.C():
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "eod_summary", payload["type"])
		assert.InDelta(t, 46.10, payload["net_pnl"].(float64), 1e-9)

		summaries := payload["strategies"].([]eodStrategySummary)
		require.Len(t, summaries, 2)
		byID := map[string]eodStrategySummary{}
		for _, s := range summaries {
			byID[s.StrategyID] = s
		}
		assert.Equal(t, 2, byID["s1"].Trades)
		assert.Equal(t, 1, byID["s1"].Wins)
		assert.InDelta(t, -2.60, byID["s1"].NetPnL, 1e-9)
		assert.Equal(t, 1, byID["s2"].Trades)
	case <-time.After(time.Second):
		t.Fatal("no summary published")
	}
}

func TestEndOfDaySummaryIgnoresOpenTrades(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.trades.StartTrade(models.TradeRecord{
		TradeID:      "s1-open",
		StrategyID:   "s1",
		InstrumentID: "SPXW260824C05005000",
		TradeType:    "LONG_C",
		Quantity:     1,
		EntryTime:    time.Now(),
		EntryPrice:   2.50,
	}))

	sub := f.bus.Subscribe(bus.TopicSystemStatus)
	defer sub.Close()

	f.sched.endOfDaySummary()

	select {
	case msg := <-sub.C():
		payload := msg.Payload.(map[string]any)
		assert.InDelta(t, 0.0, payload["net_pnl"].(float64), 1e-9)
		assert.Empty(t, payload["strategies"])
	case <-time.After(time.Second):
		t.Fatal("no summary published")
	}
}

func TestPublishStatusCarriesProcessStats(t *testing.T) {
	f := newFixture(t)
	f.sched.startedAt = time.Now().Add(-time.Minute)

	sub := f.bus.Subscribe(bus.TopicSystemStatus)
	defer sub.Close()

	f.sched.publishStatus()

	select {
	case msg := <-sub.C():
		payload, ok := msg.Payload.(statusPayload)
		require.True(t, ok)
		assert.True(t, payload.BrokerConnected)
		assert.Greater(t, payload.Process.Goroutines, 0)
		assert.GreaterOrEqual(t, payload.Process.UptimeSecs, 60.0)
	case <-time.After(time.Second):
		t.Fatal("no status published")
	}
}
