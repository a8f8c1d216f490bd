package ibgw

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/models"
)

func newTestAdapter() *Adapter {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(Config{Host: "127.0.0.1", Port: 4002}, bus.NewCache(), logger)
}

func tick(id, field string, price, size float64) tickData {
	return tickData{InstrumentID: id, Field: field, Price: price, Size: size, Ts: time.Now().UTC()}
}

func TestIndexLastSynthesizesSymmetricQuote(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "SPX", Class: models.AssetIndex})

	q, emit := a.applyTick(tick("SPX", tickLast, 5005.25, 0))
	require.True(t, emit)
	assert.Equal(t, 5005.25, q.Bid)
	assert.Equal(t, 5005.25, q.Ask)
	assert.Equal(t, 1.0, q.BidSize)
	assert.Equal(t, 1.0, q.AskSize)
}

func TestIndexNaturalBidAskSuppressed(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "SPX", Class: models.AssetIndex})

	_, emit := a.applyTick(tick("SPX", tickBid, 5004.0, 100))
	assert.False(t, emit)
	_, emit = a.applyTick(tick("SPX", tickAsk, 5006.0, 100))
	assert.False(t, emit)

	// LAST still wins afterwards.
	q, emit := a.applyTick(tick("SPX", tickLast, 5005.0, 0))
	require.True(t, emit)
	assert.Equal(t, 5005.0, q.Bid)
}

func TestOptionQuoteNeedsBothSides(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "SPXW260824C05005000", Class: models.AssetOption})

	_, emit := a.applyTick(tick("SPXW260824C05005000", tickBid, 2.40, 10))
	assert.False(t, emit, "one-sided quote stays private")

	q, emit := a.applyTick(tick("SPXW260824C05005000", tickAsk, 2.60, 8))
	require.True(t, emit)
	assert.Equal(t, 2.40, q.Bid)
	assert.Equal(t, 2.60, q.Ask)
	assert.InDelta(t, 2.50, q.Mid(), 1e-9)
}

func TestZeroSizeTicksDropped(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "OPT", Class: models.AssetOption})

	_, emit := a.applyTick(tick("OPT", tickBid, 2.40, 0))
	assert.False(t, emit)

	// Good book first, then a zero-size update must not clobber it.
	a.applyTick(tick("OPT", tickBid, 2.40, 5))
	q, emit := a.applyTick(tick("OPT", tickAsk, 2.60, 5))
	require.True(t, emit)

	_, emit = a.applyTick(tick("OPT", tickAsk, 9.99, 0))
	assert.False(t, emit)
	assert.Equal(t, 2.60, q.Ask)
}

func TestDeltaTickAttachesGreeks(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "OPT", Class: models.AssetOption})

	_, emit := a.applyTick(tick("OPT", tickDelta, -0.25, 0))
	assert.False(t, emit, "greeks alone never publish")

	a.applyTick(tick("OPT", tickBid, 1.20, 3))
	q, emit := a.applyTick(tick("OPT", tickAsk, 1.30, 3))
	require.True(t, emit)
	assert.True(t, q.HasGreeks)
	assert.Equal(t, -0.25, q.Delta)
}

func TestNonIndexLastIgnored(t *testing.T) {
	a := newTestAdapter()
	a.cache.SetInstrument(&models.Instrument{ID: "ES", Class: models.AssetFuture})

	_, emit := a.applyTick(tick("ES", tickLast, 5010.0, 1))
	assert.False(t, emit)
}

func TestOrderEventKindMapping(t *testing.T) {
	for status, want := range map[models.OrderStatus]string{
		models.OrderFilled:   "ORDER_FILLED",
		models.OrderCanceled: "ORDER_CANCELED",
		models.OrderRejected: "ORDER_REJECTED",
	} {
		kind, ok := orderEventKind(status)
		require.True(t, ok)
		assert.Equal(t, want, string(kind))
	}
	_, ok := orderEventKind(models.OrderStatus("WEIRD"))
	assert.False(t, ok)
}
