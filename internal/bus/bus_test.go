package bus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrade/orbweaver/internal/models"
)

func newTestBus() *Bus {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestPublishFansOut(t *testing.T) {
	b := newTestBus()
	a := b.Subscribe(TopicSystemStatus)
	c := b.Subscribe(TopicSystemStatus)
	defer a.Close()
	defer c.Close()

	b.Publish(TopicSystemStatus, "hello")

	assert.Equal(t, "hello", recvOne(t, a).Payload)
	assert.Equal(t, "hello", recvOne(t, c).Payload)
}

func TestSubscribeFiltersTopics(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TopicSPXStreamPrice)
	defer sub.Close()

	b.Publish(TopicSystemStatus, "noise")
	b.Publish(TopicSPXStreamPrice, 5005.25)

	msg := recvOne(t, sub)
	assert.Equal(t, TopicSPXStreamPrice, msg.Topic)
	assert.Equal(t, 5005.25, msg.Payload)
	assert.Empty(t, sub.C())
}

func TestSubscribeAllTopics(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish("anything", 1)
	assert.Equal(t, "anything", recvOne(t, sub).Topic)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TopicSystemStatus)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subBuffer+10; i++ {
			b.Publish(TopicSystemStatus, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(10), sub.Dropped())
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TopicSystemStatus)
	sub.Close()
	sub.Close()

	b.Publish(TopicSystemStatus, "after close") // must not panic

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestCacheQuotesAndBars(t *testing.T) {
	c := NewCache()

	_, ok := c.Quote("SPX")
	assert.False(t, ok)

	c.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 5005, Ask: 5005.5})
	c.SetQuote(models.Quote{InstrumentID: "SPX", Bid: 5006, Ask: 5006.5})
	q, ok := c.Quote("SPX")
	require.True(t, ok)
	assert.Equal(t, 5006.0, q.Bid, "last value wins")

	c.SetBar(models.Bar{InstrumentID: "ES", Interval: time.Minute, Close: 5010})
	bar, ok := c.Bar(models.MinuteBars("ES"))
	require.True(t, ok)
	assert.Equal(t, 5010.0, bar.Close)
	_, ok = c.Bar(models.DailyBars("ES"))
	assert.False(t, ok)
}

func TestCacheOrdersAndPositions(t *testing.T) {
	c := NewCache()

	c.SetOrder(models.Order{ClientID: "orb-1", Status: models.OrderSubmitted})
	c.SetOrder(models.Order{ClientID: "orb-2", Status: models.OrderFilled})

	o, ok := c.Order("orb-1")
	require.True(t, ok)
	assert.Equal(t, models.OrderSubmitted, o.Status)

	working := c.WorkingOrders()
	require.Len(t, working, 1)
	assert.Equal(t, "orb-1", working[0].ClientID)

	c.SetPosition(models.Position{InstrumentID: "A", Side: models.Long, Qty: 2})
	c.SetPosition(models.Position{InstrumentID: "B", Side: models.Flat})
	assert.Len(t, c.OpenPositions(), 1)

	c.SetAccount(models.Account{ID: "DU100", Equity: 50000})
	a, ok := c.Account("DU100")
	require.True(t, ok)
	assert.Equal(t, 50000.0, a.Equity)
}

func TestMirrorConnectedWithoutMirror(t *testing.T) {
	b := newTestBus()
	assert.False(t, b.MirrorConnected())
}
