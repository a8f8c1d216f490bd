package strategy

import (
	"fmt"
	"time"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/runtime"
)

// Streamer is the non-trading data actor: it relays the index mid onto the
// stream topics so the dashboard (and anyone else on the bus) can watch the
// feed without touching the broker connection.
type Streamer struct {
	cfg   models.StrategyConfig
	count int64
}

func NewStreamer(cfg models.StrategyConfig) (*Streamer, error) {
	return &Streamer{cfg: cfg}, nil
}

func (s *Streamer) ID() string    { return s.cfg.ID }
func (s *Streamer) Type() string  { return s.cfg.Type }
func (s *Streamer) StateRef() any { return nil }

func (s *Streamer) OnStart(c *runtime.Core) error {
	s.count = 0
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if b := c.Bus(); b != nil {
		b.Publish(bus.TopicSPXStreamLog, fmt.Sprintf("%s streaming started", s.cfg.InstrumentID))
	}
	return nil
}

func (s *Streamer) OnStop(c *runtime.Core) {
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
	if b := c.Bus(); b != nil {
		b.Publish(bus.TopicSPXStreamLog, fmt.Sprintf("%s streaming stopped after %d ticks", s.cfg.InstrumentID, s.count))
	}
}

func (s *Streamer) OnQuote(c *runtime.Core, q *models.Quote) {
	if q.InstrumentID != s.cfg.InstrumentID || !q.Valid() {
		return
	}
	s.count++
	b := c.Bus()
	if b == nil {
		return
	}
	mid := q.Mid()
	b.Publish(bus.TopicSPXStreamPrice, map[string]any{
		"price": mid,
		"ts":    q.Ts,
	})
	b.Publish(bus.TopicSPXStreamLog, fmt.Sprintf("%s %.2f (bid %.2f / ask %.2f)", s.cfg.InstrumentID, mid, q.Bid, q.Ask))
}

func (s *Streamer) OnBar(*runtime.Core, *models.Bar)               {}
func (s *Streamer) OnOrderEvent(*runtime.Core, broker.Event)       {}
func (s *Streamer) OnInstrument(*runtime.Core, *models.Instrument) {}
func (s *Streamer) OnTimer(*runtime.Core, string, time.Time)       {}
