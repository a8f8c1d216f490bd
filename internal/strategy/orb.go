package strategy

import (
	"fmt"
	"time"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/util"
)

const (
	timerHeartbeat   = "heartbeat"
	timerFillTimeout = "fill_timeout"
)

// orbState is the persisted document of an ORB strategy.
type orbState struct {
	Range          *RangeEngine `json:"range"`
	ActiveOptionID string       `json:"active_option_id"`
	EntryClientID  string       `json:"entry_client_id"`
	EntryPrice     float64      `json:"entry_price"`
	SLPrice        float64      `json:"sl_price"`
	TPPrice        float64      `json:"tp_price"`
	Qty            float64      `json:"qty"`
	CurrentTradeID string       `json:"current_trade_id"`
}

// ORB buys a 0DTE option on the first minute close through the opening
// range: calls through the high, puts through the low. Exits ride a broker
// bracket, backed by the software stop when the heartbeat finds the bracket
// missing.
type ORB struct {
	cfg   models.StrategyConfig
	right models.Right
	st    *orbState

	search    searchParams
	slPercent float64
	tpCents   float64
	cutoff    int
	tick      float64

	searchID     string
	breachLogged bool
}

// NewORB builds an ORB strategy; direction comes from the configured type.
func NewORB(cfg models.StrategyConfig) (*ORB, error) {
	right := models.Call
	if cfg.Type == TypeORBLongPut {
		right = models.Put
	}
	rng, err := NewRangeEngine(cfg.ParamString("start_time", "09:30"), cfg.ParamInt("range_minutes", 15))
	if err != nil {
		return nil, err
	}
	return &ORB{
		cfg:       cfg,
		right:     right,
		st:        &orbState{Range: rng},
		search:    searchParamsFromConfig(cfg),
		slPercent: cfg.ParamFloat("sl_percent", 40),
		tpCents:   cfg.ParamFloat("tp_cents", 50),
		cutoff:    cfg.ParamInt("cutoff_hour", 15),
		tick:      cfg.ParamFloat("option_tick", 0.05),
	}, nil
}

func (s *ORB) ID() string    { return s.cfg.ID }
func (s *ORB) Type() string  { return s.cfg.Type }
func (s *ORB) StateRef() any { return s.st }

func (s *ORB) OnStart(c *runtime.Core) error {
	c.ActiveOptionID = s.st.ActiveOptionID
	c.ActiveTradeID = s.st.CurrentTradeID
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if err := c.Client().SubscribeBars(models.MinuteBars(s.cfg.InstrumentID)); err != nil {
		return err
	}
	if s.st.ActiveOptionID != "" {
		_ = c.Client().SubscribeQuotes(s.st.ActiveOptionID)
		c.SetPeriodic(timerHeartbeat, time.Duration(s.cfg.ParamInt("heartbeat_seconds", 60))*time.Second)
	}
	return nil
}

func (s *ORB) OnStop(c *runtime.Core) {
	if s.searchID != "" {
		c.Search().Cancel(s.searchID)
		s.searchID = ""
	}
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
	_ = c.Client().UnsubscribeBars(models.MinuteBars(s.cfg.InstrumentID))
}

func (s *ORB) OnQuote(c *runtime.Core, q *models.Quote) {
	if q.InstrumentID == s.cfg.InstrumentID && q.Valid() {
		s.st.Range.Observe(q.Mid(), c.Clock().Now(), c.Clock().Location())
		return
	}
	if q.InstrumentID == s.st.ActiveOptionID && s.holding() && q.Valid() {
		s.manageTick(c, q)
	}
}

func (s *ORB) OnBar(c *runtime.Core, b *models.Bar) {
	if b.InstrumentID != s.cfg.InstrumentID || b.IsDaily() {
		return
	}
	now := c.Clock().Now()
	loc := c.Clock().Location()
	if s.st.Range.Observe(b.Close, now, loc) {
		s.dayReset(c)
	}
	s.st.Range.NoteClose(b.Close)

	if !s.triggered(b.Close) {
		return
	}
	if s.st.Range.EntryAttemptedToday || s.holding() || c.EntryOrderID != "" {
		return
	}
	if !withinSession(now, loc, s.cutoff) {
		return
	}

	// One shot per day, win or lose.
	s.st.Range.EntryAttemptedToday = true
	c.SaveState()
	s.launchEntry(c, b.Close)
}

func (s *ORB) triggered(close float64) bool {
	r := s.st.Range
	if !r.RangeCalculated {
		return false
	}
	if s.right == models.Call {
		return close > r.ORHigh
	}
	return close < r.ORLow
}

func (s *ORB) launchEntry(c *runtime.Core, breakPrice float64) {
	id, err := premiumSearch(c, s.search, s.right, func(_ string, winner *models.Instrument, quote *models.Quote) {
		s.searchID = ""
		if winner == nil {
			c.Notify("⚠️ ENTRY SKIPPED — no contract near %.2f premium", s.search.target)
			return
		}
		s.submitEntry(c, winner, quote)
	})
	if err != nil {
		c.Logger().Errorf("option search: %v", err)
		return
	}
	s.searchID = id
	c.Logger().Infof("breakout at %.2f, searching %s premium %.2f", breakPrice, s.right, s.search.target)
}

func (s *ORB) submitEntry(c *runtime.Core, winner *models.Instrument, quote *models.Quote) {
	entry := util.RoundToTick(quote.Ask, s.tick)
	sl := util.RoundToTick(entry*(1-s.slPercent/100), s.tick)
	tp := util.RoundToTick(entry+s.tpCents/100, s.tick)
	qty := s.cfg.OrderSize

	clientID, err := c.SubmitBracketOrder(models.Order{
		InstrumentID: winner.ID,
		Side:         models.Buy,
		Type:         models.Limit,
		LimitPrice:   entry,
		Qty:          qty,
	}, sl, tp)
	if err != nil {
		c.Notify("⚠️ ENTRY FAILED — %v", err)
		return
	}

	s.st.ActiveOptionID = winner.ID
	s.st.EntryClientID = clientID
	s.st.EntryPrice = entry
	s.st.SLPrice = sl
	s.st.TPPrice = tp
	s.st.Qty = qty
	c.ActiveOptionID = winner.ID
	c.SaveState()

	c.SetAlert(timerFillTimeout, c.Clock().Now().Add(
		time.Duration(s.cfg.ParamInt("fill_timeout_seconds", 120))*time.Second))
	c.SetPeriodic(timerHeartbeat, time.Duration(s.cfg.ParamInt("heartbeat_seconds", 60))*time.Second)
}

func (s *ORB) OnOrderEvent(c *runtime.Core, ev broker.Event) {
	o := ev.Order
	switch ev.Kind {
	case broker.EventOrderFilled:
		if o.ClientID == s.st.EntryClientID {
			s.onEntryFill(c, o)
			return
		}
		if s.holding() && o.InstrumentID == s.st.ActiveOptionID && c.ActiveTradeID != "" {
			if pos, ok := c.Cache().Position(s.st.ActiveOptionID); !ok || (&pos).IsFlat() {
				s.onExitFill(c, o)
			}
		}
	case broker.EventOrderCanceled, broker.EventOrderRejected, broker.EventOrderExpired:
		if o.ClientID == s.st.EntryClientID {
			c.CancelTimer(timerFillTimeout)
			s.clearPosition(c)
			c.Notify("⚠️ ENTRY %s — %s", ev.Kind, ev.Reason)
		}
	}
}

// onEntryFill recomputes the protective prices from what actually printed.
func (s *ORB) onEntryFill(c *runtime.Core, o *models.Order) {
	fill := o.AvgFillPrice
	s.st.EntryPrice = fill
	s.st.SLPrice = util.RoundToTick(fill*(1-s.slPercent/100), s.tick)
	s.st.TPPrice = util.RoundToTick(fill+s.tpCents/100, s.tick)
	s.st.Qty = o.FilledQty
	c.CancelTimer(timerFillTimeout)

	err := c.StartTradeRecord(models.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.cfg.ID, c.Clock().Now().UnixMilli()),
		StrategyID:   s.cfg.ID,
		InstrumentID: s.st.ActiveOptionID,
		TradeType:    "LONG_" + string(s.right),
		Direction:    directionFor(s.right),
		Quantity:     s.st.Qty,
		EntryTime:    c.Clock().Now(),
		EntryPrice:   fill,
		MaxLoss:      fill * 100 * s.st.Qty,
	})
	if err != nil {
		c.Logger().Errorf("trade record: %v", err)
	}
	s.st.CurrentTradeID = c.ActiveTradeID
	s.breachLogged = false
	c.SaveState()
	c.Notify("entry filled: %s %.0f @ %.2f (SL %.2f / TP %.2f)",
		s.st.ActiveOptionID, s.st.Qty, fill, s.st.SLPrice, s.st.TPPrice)
}

func (s *ORB) onExitFill(c *runtime.Core, o *models.Order) {
	reason := exitReasonForClientID(c, o.ClientID)
	c.CloseTradeRecord(o.AvgFillPrice, reason)
	s.clearPosition(c)
}

func (s *ORB) manageTick(c *runtime.Core, q *models.Quote) {
	mid := q.Mid()
	c.UpdateTradeMetrics((mid - s.st.EntryPrice) * 100 * s.st.Qty)

	// Breach logging is throttled to once per position; the actual exit is
	// the bracket's (or the software stop's) job.
	if !s.breachLogged && (mid <= s.st.SLPrice || mid >= s.st.TPPrice) {
		s.breachLogged = true
		c.Logger().Infof("bracket level touched: mid %.2f (SL %.2f / TP %.2f)", mid, s.st.SLPrice, s.st.TPPrice)
	}
}

func (s *ORB) OnInstrument(*runtime.Core, *models.Instrument) {}

func (s *ORB) OnTimer(c *runtime.Core, name string, _ time.Time) {
	switch name {
	case timerFillTimeout:
		if c.EntryOrderID != "" {
			c.Logger().Warn("entry unfilled at timeout, cancelling")
			_ = c.CancelEntryOrder()
		}
	case timerHeartbeat:
		s.heartbeat(c)
	}
}

// heartbeat verifies the broker-side stop child still works the position; a
// missing bracket arms the in-process stop at the computed price.
func (s *ORB) heartbeat(c *runtime.Core) {
	if !s.holding() {
		return
	}
	slID := models.BracketSLID(s.st.EntryClientID)
	if o, ok := c.Cache().Order(slID); ok && o.Status.Working() {
		return
	}
	if !c.SLTriggered {
		c.Logger().Warnf("broker stop %s missing, arming software stop at %.2f", slID, s.st.SLPrice)
		c.ArmSoftwareSL(s.st.SLPrice, false)
	}
}

func (s *ORB) holding() bool {
	return s.st.ActiveOptionID != "" && s.st.CurrentTradeID != ""
}

func (s *ORB) dayReset(c *runtime.Core) {
	s.breachLogged = false
	c.SaveState()
}

func (s *ORB) clearPosition(c *runtime.Core) {
	if s.st.ActiveOptionID != "" {
		_ = c.Client().UnsubscribeQuotes(s.st.ActiveOptionID)
	}
	s.st.ActiveOptionID = ""
	s.st.EntryClientID = ""
	s.st.EntryPrice, s.st.SLPrice, s.st.TPPrice, s.st.Qty = 0, 0, 0, 0
	s.st.CurrentTradeID = ""
	c.ActiveOptionID = ""
	c.CancelTimer(timerHeartbeat)
	c.DisarmSoftwareSL()
	c.SaveState()
}

func directionFor(right models.Right) string {
	if right == models.Put {
		return "BEARISH"
	}
	return "BULLISH"
}
