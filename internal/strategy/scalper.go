package strategy

import (
	"fmt"
	"time"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/util"
)

type midSample struct {
	Mid float64   `json:"mid"`
	Ts  time.Time `json:"ts"`
}

// scalperState is the persisted document of the tick-momentum scalper.
type scalperState struct {
	Day            string      `json:"day"`
	TradesToday    int         `json:"trades_today"`
	Window         []midSample `json:"window"`
	LastExit       time.Time   `json:"last_exit,omitempty"`
	ActiveOptionID string      `json:"active_option_id,omitempty"`
	EntryClientID  string      `json:"entry_client_id,omitempty"`
	EntryPrice     float64     `json:"entry_price,omitempty"`
	Qty            float64     `json:"qty,omitempty"`
	Direction      int         `json:"direction,omitempty"` // +1 up move, -1 down
	EntryMid       float64     `json:"entry_mid,omitempty"` // underlying mid at entry
	CurrentTradeID string      `json:"current_trade_id,omitempty"`
}

// Scalper rides short bursts on the underlying: when the mid moves more than
// momentum_ticks over the lookback window it buys a near-the-money 0DTE
// option in the move direction, protected by a bracket in fixed cents, and
// bails early if the underlying momentum flips.
type Scalper struct {
	cfg models.StrategyConfig
	st  *scalperState

	search        searchParams
	lookback      time.Duration
	cooldown      time.Duration
	momentumTicks float64
	reversalTicks float64
	underlyingTk  float64
	slCents       float64
	tpCents       float64
	maxTrades     int
	tick          float64

	searchID string
	entering bool
}

func NewScalper(cfg models.StrategyConfig) (*Scalper, error) {
	lookback := cfg.ParamInt("lookback_seconds", 30)
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback_seconds must be positive")
	}
	return &Scalper{
		cfg:           cfg,
		st:            &scalperState{},
		search:        searchParamsFromConfig(cfg),
		lookback:      time.Duration(lookback) * time.Second,
		cooldown:      time.Duration(cfg.ParamInt("cooldown_seconds", 60)) * time.Second,
		momentumTicks: cfg.ParamFloat("momentum_ticks", 8),
		reversalTicks: cfg.ParamFloat("reversal_ticks", 4),
		underlyingTk:  cfg.ParamFloat("underlying_tick", 0.25),
		slCents:       cfg.ParamFloat("sl_cents", 40),
		tpCents:       cfg.ParamFloat("tp_cents", 40),
		maxTrades:     cfg.ParamInt("max_trades_per_day", 10),
		tick:          cfg.ParamFloat("option_tick", 0.05),
	}, nil
}

func (s *Scalper) ID() string    { return s.cfg.ID }
func (s *Scalper) Type() string  { return s.cfg.Type }
func (s *Scalper) StateRef() any { return s.st }

func (s *Scalper) OnStart(c *runtime.Core) error {
	c.ActiveOptionID = s.st.ActiveOptionID
	c.ActiveTradeID = s.st.CurrentTradeID
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if s.holding() {
		_ = c.Client().SubscribeQuotes(s.st.ActiveOptionID)
	}
	return nil
}

func (s *Scalper) OnStop(c *runtime.Core) {
	if s.searchID != "" {
		c.Search().Cancel(s.searchID)
		s.searchID = ""
	}
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
}

func (s *Scalper) OnQuote(c *runtime.Core, q *models.Quote) {
	switch {
	case q.InstrumentID == s.cfg.InstrumentID && q.Valid():
		s.observe(c, q.Mid())
	case q.InstrumentID == s.st.ActiveOptionID && s.holding() && q.Valid():
		c.UpdateTradeMetrics((q.Mid() - s.st.EntryPrice) * 100 * s.st.Qty)
	}
}

// observe rolls the mid window and evaluates momentum on every underlying
// tick.
func (s *Scalper) observe(c *runtime.Core, mid float64) {
	now := c.Clock().Now()
	local := now.In(c.Clock().Location())
	day := local.Format("2006-01-02")
	if s.st.Day != day {
		s.st.Day = day
		s.st.TradesToday = 0
	}

	s.st.Window = append(s.st.Window, midSample{Mid: mid, Ts: now})
	cutoff := now.Add(-s.lookback)
	for len(s.st.Window) > 1 && s.st.Window[0].Ts.Before(cutoff) {
		s.st.Window = s.st.Window[1:]
	}

	move := mid - s.st.Window[0].Mid

	if s.holding() {
		s.checkReversal(c, move)
		return
	}
	if s.entering || c.EntryOrderID != "" || c.ClosingInProgress {
		return
	}
	if s.st.TradesToday >= s.maxTrades {
		return
	}
	if !s.st.LastExit.IsZero() && now.Sub(s.st.LastExit) < s.cooldown {
		return
	}
	if !withinSession(now, c.Clock().Location(), 0) {
		return
	}

	threshold := s.momentumTicks * s.underlyingTk
	switch {
	case move >= threshold:
		s.launchEntry(c, +1, mid, move)
	case move <= -threshold:
		s.launchEntry(c, -1, mid, move)
	}
}

// checkReversal exits when the underlying swings back through the entry mid
// by more than the reversal allowance.
func (s *Scalper) checkReversal(c *runtime.Core, _ float64) {
	if c.ClosingInProgress || len(s.st.Window) == 0 {
		return
	}
	mid := s.st.Window[len(s.st.Window)-1].Mid
	allowance := s.reversalTicks * s.underlyingTk
	reversed := (s.st.Direction > 0 && mid <= s.st.EntryMid-allowance) ||
		(s.st.Direction < 0 && mid >= s.st.EntryMid+allowance)
	if !reversed {
		return
	}
	c.Logger().Infof("momentum reversed (mid %.2f vs entry %.2f), closing", mid, s.st.EntryMid)
	_ = c.CancelAllOrders(s.st.ActiveOptionID)
	c.ClosingInProgress = false
	if err := c.CloseStrategyPosition(models.ReasonManual, s.st.ActiveOptionID); err != nil {
		c.Logger().Errorf("reversal close: %v", err)
	}
}

func (s *Scalper) launchEntry(c *runtime.Core, direction int, mid, move float64) {
	right := models.Call
	if direction < 0 {
		right = models.Put
	}
	s.entering = true
	id, err := premiumSearch(c, s.search, right, func(_ string, winner *models.Instrument, quote *models.Quote) {
		s.searchID = ""
		s.entering = false
		if winner == nil {
			c.Logger().Info("scalp skipped, no contract qualified")
			return
		}
		s.submitEntry(c, winner, quote, direction, mid)
	})
	if err != nil {
		s.entering = false
		c.Logger().Errorf("option search: %v", err)
		return
	}
	s.searchID = id
	c.Logger().Infof("momentum %.2f over %s, scalping %s", move, s.lookback, right)
}

func (s *Scalper) submitEntry(c *runtime.Core, winner *models.Instrument, quote *models.Quote, direction int, entryMid float64) {
	entry := util.RoundToTick(quote.Ask, s.tick)
	sl := util.RoundToTick(entry-s.slCents/100, s.tick)
	if sl < s.tick {
		sl = s.tick
	}
	tp := util.RoundToTick(entry+s.tpCents/100, s.tick)

	clientID, err := c.SubmitBracketOrder(models.Order{
		InstrumentID: winner.ID,
		Side:         models.Buy,
		Type:         models.Limit,
		LimitPrice:   entry,
		Qty:          s.cfg.OrderSize,
	}, sl, tp)
	if err != nil {
		c.Logger().Errorf("scalp entry: %v", err)
		return
	}

	s.st.ActiveOptionID = winner.ID
	s.st.EntryClientID = clientID
	s.st.EntryPrice = entry
	s.st.Qty = s.cfg.OrderSize
	s.st.Direction = direction
	s.st.EntryMid = entryMid
	s.st.TradesToday++
	c.ActiveOptionID = winner.ID
	c.SaveState()
}

func (s *Scalper) OnOrderEvent(c *runtime.Core, ev broker.Event) {
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

func (s *Scalper) onEntryFill(c *runtime.Core, o *models.Order) {
	fill := o.AvgFillPrice
	s.st.EntryPrice = fill
	s.st.Qty = o.FilledQty

	tradeType := "SCALP_CALL"
	direction := "BULLISH"
	if s.st.Direction < 0 {
		tradeType = "SCALP_PUT"
		direction = "BEARISH"
	}
	err := c.StartTradeRecord(models.TradeRecord{
		TradeID:      fmt.Sprintf("%s-%d", s.cfg.ID, c.Clock().Now().UnixMilli()),
		StrategyID:   s.cfg.ID,
		InstrumentID: s.st.ActiveOptionID,
		TradeType:    tradeType,
		Direction:    direction,
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
}

func (s *Scalper) OnBar(*runtime.Core, *models.Bar)               {}
func (s *Scalper) OnInstrument(*runtime.Core, *models.Instrument) {}
func (s *Scalper) OnTimer(*runtime.Core, string, time.Time)       {}

func (s *Scalper) holding() bool {
	return s.st.ActiveOptionID != "" && s.st.CurrentTradeID != ""
}

func (s *Scalper) clearPosition(c *runtime.Core) {
	if s.st.ActiveOptionID != "" {
		_ = c.Client().UnsubscribeQuotes(s.st.ActiveOptionID)
	}
	s.st.ActiveOptionID = ""
	s.st.EntryClientID = ""
	s.st.EntryPrice, s.st.Qty = 0, 0
	s.st.Direction = 0
	s.st.EntryMid = 0
	s.st.CurrentTradeID = ""
	s.st.LastExit = c.Clock().Now()
	c.ActiveOptionID = ""
	c.SaveState()
}
