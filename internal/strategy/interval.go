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
	timerInterval = "interval"
	timerHold     = "hold"
)

// intervalState is the persisted document of the interval trader.
type intervalState struct {
	Day            string  `json:"day"`
	TradesToday    int     `json:"trades_today"`
	ActiveOptionID string  `json:"active_option_id,omitempty"`
	EntryClientID  string  `json:"entry_client_id,omitempty"`
	EntryPrice     float64 `json:"entry_price,omitempty"`
	Qty            float64 `json:"qty,omitempty"`
	CurrentTradeID string  `json:"current_trade_id,omitempty"`
}

// Interval is the order-path validation strategy: on a fixed cadence it buys
// a near-the-money 0DTE option with a bracket and force-closes after a hold
// window when neither bracket leg fired. Its trades are small and frequent
// by design; the point is exercising the full entry/exit pipeline.
type Interval struct {
	cfg models.StrategyConfig
	st  *intervalState

	search    searchParams
	every     time.Duration
	hold      time.Duration
	maxTrades int
	slPercent float64
	tpCents   float64
	tick      float64

	searchID string
	entering bool
}

func NewInterval(cfg models.StrategyConfig) (*Interval, error) {
	every := cfg.ParamInt("interval_seconds", 300)
	if every <= 0 {
		return nil, fmt.Errorf("interval_seconds must be positive")
	}
	return &Interval{
		cfg:       cfg,
		st:        &intervalState{},
		search:    searchParamsFromConfig(cfg),
		every:     time.Duration(every) * time.Second,
		hold:      time.Duration(cfg.ParamInt("hold_seconds", 120)) * time.Second,
		maxTrades: cfg.ParamInt("max_trades_per_day", 5),
		slPercent: cfg.ParamFloat("sl_percent", 40),
		tpCents:   cfg.ParamFloat("tp_cents", 50),
		tick:      cfg.ParamFloat("option_tick", 0.05),
	}, nil
}

func (s *Interval) ID() string    { return s.cfg.ID }
func (s *Interval) Type() string  { return s.cfg.Type }
func (s *Interval) StateRef() any { return s.st }

func (s *Interval) right() models.Right {
	if s.cfg.ParamString("direction", "call") == "put" {
		return models.Put
	}
	return models.Call
}

func (s *Interval) OnStart(c *runtime.Core) error {
	c.ActiveOptionID = s.st.ActiveOptionID
	c.ActiveTradeID = s.st.CurrentTradeID
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if s.holding() {
		_ = c.Client().SubscribeQuotes(s.st.ActiveOptionID)
		c.SetAlert(timerHold, c.Clock().Now().Add(s.hold))
	}
	c.SetPeriodic(timerInterval, s.every)
	return nil
}

func (s *Interval) OnStop(c *runtime.Core) {
	if s.searchID != "" {
		c.Search().Cancel(s.searchID)
		s.searchID = ""
	}
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
}

func (s *Interval) OnQuote(c *runtime.Core, q *models.Quote) {
	if q.InstrumentID == s.st.ActiveOptionID && s.holding() && q.Valid() {
		c.UpdateTradeMetrics((q.Mid() - s.st.EntryPrice) * 100 * s.st.Qty)
	}
}

func (s *Interval) OnBar(*runtime.Core, *models.Bar) {}

func (s *Interval) OnTimer(c *runtime.Core, name string, now time.Time) {
	switch name {
	case timerInterval:
		s.onInterval(c, now)
	case timerHold:
		s.holdExpired(c)
	}
}

func (s *Interval) onInterval(c *runtime.Core, now time.Time) {
	local := now.In(c.Clock().Location())
	day := local.Format("2006-01-02")
	if s.st.Day != day {
		s.st.Day = day
		s.st.TradesToday = 0
		c.SaveState()
	}

	if s.holding() || s.entering || c.EntryOrderID != "" {
		return
	}
	if s.st.TradesToday >= s.maxTrades {
		return
	}
	if !withinSession(now, c.Clock().Location(), 0) {
		return
	}

	s.entering = true
	id, err := premiumSearch(c, s.search, s.right(), func(_ string, winner *models.Instrument, quote *models.Quote) {
		s.searchID = ""
		s.entering = false
		if winner == nil {
			c.Logger().Info("interval entry skipped, no contract qualified")
			return
		}
		s.submitEntry(c, winner, quote)
	})
	if err != nil {
		s.entering = false
		c.Logger().Errorf("option search: %v", err)
		return
	}
	s.searchID = id
}

func (s *Interval) submitEntry(c *runtime.Core, winner *models.Instrument, quote *models.Quote) {
	entry := util.RoundToTick(quote.Ask, s.tick)
	sl := util.RoundToTick(entry*(1-s.slPercent/100), s.tick)
	tp := util.RoundToTick(entry+s.tpCents/100, s.tick)

	clientID, err := c.SubmitBracketOrder(models.Order{
		InstrumentID: winner.ID,
		Side:         models.Buy,
		Type:         models.Limit,
		LimitPrice:   entry,
		Qty:          s.cfg.OrderSize,
	}, sl, tp)
	if err != nil {
		c.Logger().Errorf("interval entry: %v", err)
		return
	}

	s.st.ActiveOptionID = winner.ID
	s.st.EntryClientID = clientID
	s.st.EntryPrice = entry
	s.st.Qty = s.cfg.OrderSize
	s.st.TradesToday++
	c.ActiveOptionID = winner.ID
	c.SaveState()
}

func (s *Interval) OnOrderEvent(c *runtime.Core, ev broker.Event) {
	o := ev.Order
	switch ev.Kind {
	case broker.EventOrderFilled:
		if o.ClientID == s.st.EntryClientID {
			s.onEntryFill(c, o)
			return
		}
		if s.holding() && o.InstrumentID == s.st.ActiveOptionID {
			if pos, ok := c.Cache().Position(s.st.ActiveOptionID); !ok || (&pos).IsFlat() {
				c.CloseTradeRecord(o.AvgFillPrice, exitReasonForClientID(c, o.ClientID))
				s.clearPosition(c)
			}
		}
	case broker.EventOrderCanceled, broker.EventOrderRejected, broker.EventOrderExpired:
		if o.ClientID == s.st.EntryClientID {
			s.clearPosition(c)
		}
	}
}

func (s *Interval) onEntryFill(c *runtime.Core, o *models.Order) {
	fill := o.AvgFillPrice
	s.st.EntryPrice = fill
	s.st.Qty = o.FilledQty

	err := c.StartTradeRecord(models.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.cfg.ID, c.Clock().Now().UnixMilli()),
		StrategyID:   s.cfg.ID,
		InstrumentID: s.st.ActiveOptionID,
		TradeType:    "LONG_" + string(s.right()),
		Direction:    directionFor(s.right()),
		Quantity:     s.st.Qty,
		EntryTime:    c.Clock().Now(),
		EntryPrice:   fill,
		MaxLoss:      fill * 100 * s.st.Qty,
	})
	if err != nil {
		c.Logger().Errorf("trade record: %v", err)
	}
	s.st.CurrentTradeID = c.ActiveTradeID
	c.SaveState()
	c.SetAlert(timerHold, c.Clock().Now().Add(s.hold))
}

// holdExpired closes a position the bracket never resolved.
func (s *Interval) holdExpired(c *runtime.Core) {
	if !s.holding() {
		return
	}
	c.Logger().Infof("hold window elapsed, closing %s", s.st.ActiveOptionID)
	_ = c.CancelAllOrders(s.st.ActiveOptionID)
	c.ClosingInProgress = false
	if err := c.CloseStrategyPosition(ReasonIntervalExit, s.st.ActiveOptionID); err != nil {
		c.Logger().Errorf("interval close: %v", err)
	}
}

func (s *Interval) OnInstrument(*runtime.Core, *models.Instrument) {}

func (s *Interval) holding() bool {
	return s.st.ActiveOptionID != "" && s.st.CurrentTradeID != ""
}

func (s *Interval) clearPosition(c *runtime.Core) {
	if s.st.ActiveOptionID != "" {
		_ = c.Client().UnsubscribeQuotes(s.st.ActiveOptionID)
	}
	s.st.ActiveOptionID = ""
	s.st.EntryClientID = ""
	s.st.EntryPrice, s.st.Qty = 0, 0
	s.st.CurrentTradeID = ""
	c.ActiveOptionID = ""
	c.CancelTimer(timerHold)
	c.SaveState()
}
