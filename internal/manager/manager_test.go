package manager

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
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/storage"
	"github.com/kestrade/orbweaver/internal/strategy"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

// fakeClient is a no-op broker with a scriptable event stream.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	events    chan broker.Event
	subs      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, events: make(chan broker.Event, 64)}
}

func (f *fakeClient) SubscribeQuotes(id string) error {
	f.mu.Lock()
	f.subs = append(f.subs, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) UnsubscribeQuotes(string) error       { return nil }
func (f *fakeClient) SubscribeBars(models.BarType) error   { return nil }
func (f *fakeClient) UnsubscribeBars(models.BarType) error { return nil }
func (f *fakeClient) RequestInstrument(string) error       { return nil }
func (f *fakeClient) RequestInstruments(_, _ string) error { return nil }

func (f *fakeClient) CreateSpread(legs []models.SpreadLeg) (string, error) {
	return models.SpreadSymbol(legs), nil
}

func (f *fakeClient) SubmitOrder(context.Context, models.Order) error { return nil }
func (f *fakeClient) CancelOrder(context.Context, string) error       { return nil }
func (f *fakeClient) CancelAllOrders(context.Context, string) error   { return nil }

func (f *fakeClient) Events() <-chan broker.Event { return f.events }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type fixture struct {
	mgr    *Manager
	client *fakeClient
	cache  *bus.Cache
	store  *storage.Store
	trades *tradedb.Store
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	trades, err := tradedb.Open(filepath.Join(t.TempDir(), "trading.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { trades.Close() })

	client := newFakeClient()
	cache := bus.NewCache()
	clk := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), time.UTC)
	b := bus.New(logger)

	mgr := New(Deps{
		Clock:  clk,
		Client: client,
		Cache:  cache,
		Store:  store,
		Trades: trades,
		Bus:    b,
		Search: optsearch.New(clk, client, cache, logger),
		Logger: logger,
	}, Options{StartSettle: 10 * time.Millisecond})
	t.Cleanup(mgr.Shutdown)

	return &fixture{mgr: mgr, client: client, cache: cache, store: store, trades: trades, bus: b}
}

func streamerConfig(id string, enabled bool) models.StrategyConfig {
	return models.StrategyConfig{
		ID:           id,
		Type:         strategy.TypeSPXStreamer,
		Enabled:      enabled,
		InstrumentID: "SPX",
		OrderSize:    1,
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.CreateStrategy(models.StrategyConfig{
		ID: "x", Type: "no_such_type", InstrumentID: "SPX",
	}, false)
	assert.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))
	err = f.mgr.CreateStrategy(streamerConfig("stream", false), false)
	assert.ErrorIs(t, err, ErrDuplicateID)

	// Created strategies are persisted.
	cfg, err := f.store.LoadConfig("stream")
	require.NoError(t, err)
	assert.Equal(t, strategy.TypeSPXStreamer, cfg.Type)
}

func TestInitializeLoadsPersistedConfigs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveConfig(streamerConfig("a", true)))
	require.NoError(t, f.store.SaveConfig(streamerConfig("b", false)))
	require.NoError(t, f.store.SaveConfig(models.StrategyConfig{
		ID: "bad", Type: "no_such_type", InstrumentID: "SPX",
	}))

	require.NoError(t, f.mgr.Initialize(context.Background()))

	statuses := f.mgr.GetAllStrategiesStatus()
	require.Len(t, statuses, 2, "unknown types are skipped, not fatal")
	assert.Equal(t, "a", statuses[0].ID)
	assert.Equal(t, StatusInitializing, statuses[0].Status)
	assert.False(t, statuses[0].Running)
}

func TestStartStopRestartCycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))

	require.NoError(t, f.mgr.StartStrategy("stream"))
	st, err := f.mgr.GetStrategyStatus("stream")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.True(t, st.Running)

	require.NoError(t, f.mgr.StopStrategy("stream"))
	st, _ = f.mgr.GetStrategyStatus("stream")
	assert.Equal(t, StatusStopped, st.Status)

	// Restart resets the terminal core first.
	require.NoError(t, f.mgr.StartStrategy("stream"))
	st, _ = f.mgr.GetStrategyStatus("stream")
	assert.Equal(t, StatusRunning, st.Status)

	assert.ErrorIs(t, f.mgr.StartStrategy("nope"), ErrUnknownStrategy)
}

func TestStopNeverStartedStrategyReportsStopped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))

	require.NoError(t, f.mgr.StopStrategy("stream"))
	st, err := f.mgr.GetStrategyStatus("stream")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, st.Status, "a stop the operator asked for shows as stopped")
	assert.False(t, st.Running)

	// Start still works afterwards through the usual reset path.
	require.NoError(t, f.mgr.StartStrategy("stream"))
	st, _ = f.mgr.GetStrategyStatus("stream")
	assert.Equal(t, StatusRunning, st.Status)
}

func TestUpdateStrategyConfigMergesAndPersists(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))

	cfg, err := f.mgr.UpdateStrategyConfig("stream", map[string]any{
		"enabled":        true,
		"premium_target": 3.0,
	})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3.0, cfg.ParamFloat("premium_target", 0))

	saved, err := f.store.LoadConfig("stream")
	require.NoError(t, err)
	assert.True(t, saved.Enabled)
	assert.Equal(t, 3.0, saved.ParamFloat("premium_target", 0))

	_, err = f.mgr.UpdateStrategyConfig("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRunStartsEnabledAndFansOutQuotes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", true), false))
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("idle", false), false))

	sub := f.bus.Subscribe(bus.TopicSPXStreamPrice)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.mgr.Run(ctx) }()

	require.Eventually(t, f.mgr.Ready, 2*time.Second, 5*time.Millisecond)
	st, _ := f.mgr.GetStrategyStatus("stream")
	assert.Equal(t, StatusRunning, st.Status)
	st, _ = f.mgr.GetStrategyStatus("idle")
	assert.Equal(t, StatusInitializing, st.Status, "disabled strategies stay parked")

	f.client.events <- broker.Event{Kind: broker.EventQuoteTick, Quote: &models.Quote{
		InstrumentID: "SPX", Bid: 5004.5, Ask: 5005.5, BidSize: 1, AskSize: 1,
	}}

	select {
	case msg := <-sub.C():
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 5005.0, payload["price"])
	case <-time.After(2 * time.Second):
		t.Fatal("quote never reached the streamer")
	}
}

func TestReconcileFlagsOrphans(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))

	// Open trade row with no broker position behind it.
	require.NoError(t, f.trades.StartTrade(models.TradeRecord{
		TradeID:      "stream-1",
		StrategyID:   "stream",
		InstrumentID: "SPXW260824C05005000",
		TradeType:    "LONG_C",
		Quantity:     1,
		EntryTime:    time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EntryPrice:   2.50,
	}))
	// Broker position no trade row claims.
	f.cache.SetPosition(models.Position{
		InstrumentID: "SPXW260824P05000000", Side: models.Long, Qty: 2,
	})

	sub := f.bus.Subscribe(bus.TopicNotification)
	defer sub.Close()

	f.mgr.reconcile()

	var messages []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.C():
			payload := msg.Payload.(map[string]string)
			messages = append(messages, payload["message"])
		case <-time.After(time.Second):
			t.Fatal("expected two reconciliation flags")
		}
	}
	assert.Contains(t, messages[0], "no broker position")
	assert.Contains(t, messages[1], "no open trade row")
}

func TestSystemStatusExposure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.CreateStrategy(streamerConfig("stream", false), false))

	optID := "SPXW260824C05005000"
	f.cache.SetPosition(models.Position{InstrumentID: optID, Side: models.Long, Qty: 2})
	f.cache.SetQuote(models.Quote{InstrumentID: optID, Bid: 2.45, Ask: 2.55, BidSize: 1, AskSize: 1})

	status := f.mgr.SystemStatus()
	assert.True(t, status.BrokerConnected)
	assert.False(t, status.RedisConnected)
	assert.Equal(t, 1, status.OpenPositions)
	assert.InDelta(t, 500.0, status.TotalExposure, 1e-9, "2 contracts x 2.50 x 100")
	require.Len(t, status.Strategies, 1)
	assert.Equal(t, "stream", status.Strategies[0].ID)

	// A position with no quote yet contributes nothing.
	f.cache.SetPosition(models.Position{InstrumentID: "SPXW260824P05000000", Side: models.Long, Qty: 1})
	status = f.mgr.SystemStatus()
	assert.InDelta(t, 500.0, status.TotalExposure, 1e-9)
}
