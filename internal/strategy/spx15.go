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
	timerLegFallback = "leg_fallback"
	timerLegPoll     = "leg_poll"
	timerStatus      = "status"

	legFallbackDelay = 7 * time.Second
	legPollInterval  = 2 * time.Second
	legPollMax       = 15
)

// spx15State is the persisted document of the 15-minute range strategy.
type spx15State struct {
	Range           *RangeEngine `json:"range"`
	EntryInProgress bool         `json:"entry_in_progress"`

	Direction   string    `json:"direction,omitempty"` // BULLISH or BEARISH
	SignalTime  time.Time `json:"signal_time,omitempty"`
	SignalPrice float64   `json:"signal_price,omitempty"`
	BreakLevel  float64   `json:"break_level,omitempty"`

	ShortLeg string `json:"short_leg,omitempty"`
	LongLeg  string `json:"long_leg,omitempty"`
	SpreadID string `json:"spread_id,omitempty"`

	EntryClientID    string  `json:"entry_client_id,omitempty"`
	SpreadEntryPrice float64 `json:"spread_entry_price,omitempty"` // absolute credit
	Qty              float64 `json:"qty,omitempty"`
	CurrentTradeID   string  `json:"current_trade_id,omitempty"`
	CloseLimit       float64 `json:"close_limit,omitempty"`
}

// SPX15Range sells a 0DTE credit spread against the first clean break of the
// 15-minute opening range: a call spread above the range on a downside break,
// a put spread below it on an upside break. A break in one direction
// permanently invalidates entries in the other for the day.
type SPX15Range struct {
	cfg models.StrategyConfig
	st  *spx15State

	strikeStep   float64
	strikeWidth  float64
	minCredit    float64
	maxSignalAge time.Duration
	maxDeviation float64
	cutoffHour   int
	cutoffMinute int
	fixedSL      float64 // cents
	takeProfit   float64 // cents
	fillTimeout  time.Duration
	tick         float64
	root         string

	legPolls   int
	lastStatus time.Time
}

// NewSPX15Range builds the strategy from configuration.
func NewSPX15Range(cfg models.StrategyConfig) (*SPX15Range, error) {
	rng, err := NewRangeEngine(cfg.ParamString("start_time", "09:30"), cfg.ParamInt("range_minutes", 15))
	if err != nil {
		return nil, err
	}
	cutH, cutM, err := parseClock(cfg.ParamString("entry_cutoff_time", "15:30"))
	if err != nil {
		return nil, err
	}
	return &SPX15Range{
		cfg:          cfg,
		st:           &spx15State{Range: rng},
		strikeStep:   cfg.ParamFloat("strike_step", 5),
		strikeWidth:  cfg.ParamFloat("strike_width", 5),
		minCredit:    cfg.ParamFloat("min_credit_amount", 0.50),
		maxSignalAge: time.Duration(cfg.ParamInt("signal_max_age_seconds", 90)) * time.Second,
		maxDeviation: cfg.ParamFloat("max_price_deviation", 3.0),
		cutoffHour:   cutH,
		cutoffMinute: cutM,
		fixedSL:      cfg.ParamFloat("fixed_sl_cents", 100),
		takeProfit:   cfg.ParamFloat("tp_cents", 25),
		fillTimeout:  time.Duration(cfg.ParamInt("fill_timeout_seconds", 60)) * time.Second,
		tick:         cfg.ParamFloat("option_tick", 0.05),
		root:         cfg.ParamString("option_root", "SPXW"),
	}, nil
}

func (s *SPX15Range) ID() string    { return s.cfg.ID }
func (s *SPX15Range) Type() string  { return s.cfg.Type }
func (s *SPX15Range) StateRef() any { return s.st }

func (s *SPX15Range) OnStart(c *runtime.Core) error {
	c.ActiveOptionID = s.st.SpreadID
	c.ActiveTradeID = s.st.CurrentTradeID
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if err := c.Client().SubscribeBars(models.MinuteBars(s.cfg.InstrumentID)); err != nil {
		return err
	}
	if s.holding() {
		_ = c.Client().SubscribeQuotes(s.st.SpreadID)
		c.SetPeriodic(timerStatus, 30*time.Second)
	}
	return nil
}

func (s *SPX15Range) OnStop(c *runtime.Core) {
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
	_ = c.Client().UnsubscribeBars(models.MinuteBars(s.cfg.InstrumentID))
}

func (s *SPX15Range) OnQuote(c *runtime.Core, q *models.Quote) {
	switch {
	case q.InstrumentID == s.cfg.InstrumentID && q.Valid():
		s.st.Range.Observe(q.Mid(), c.Clock().Now(), c.Clock().Location())
	// Net-credit combos quote negative, so Valid() does not apply.
	case q.InstrumentID == s.st.SpreadID && s.holding() && q.Bid != 0 && q.Ask != 0:
		s.manageSpread(c, q)
	}
}

func (s *SPX15Range) OnBar(c *runtime.Core, b *models.Bar) {
	if b.InstrumentID != s.cfg.InstrumentID || b.IsDaily() {
		return
	}
	now := c.Clock().Now()
	loc := c.Clock().Location()
	if s.st.Range.Observe(b.Close, now, loc) {
		s.dayReset(c)
	}
	firstHigh, firstLow := s.st.Range.NoteClose(b.Close)

	if s.holding() || s.st.EntryInProgress || s.st.Range.TradedToday {
		return
	}
	if !withinSession(now, loc, 0) {
		return
	}

	r := s.st.Range
	switch {
	case firstLow && !r.HighBreached:
		s.armSignal(c, "BEARISH", b.Close, r.ORLow)
	case firstHigh && !r.LowBreached:
		s.armSignal(c, "BULLISH", b.Close, r.ORHigh)
	}
}

// armSignal records the break and requests the spread legs. Validation runs
// again at submission time; the market may have moved while legs resolve.
func (s *SPX15Range) armSignal(c *runtime.Core, direction string, close, level float64) {
	s.st.EntryInProgress = true
	s.st.Direction = direction
	s.st.SignalTime = c.Clock().Now()
	s.st.SignalPrice = close
	s.st.BreakLevel = level

	shortK, longK := s.strikes(direction)
	expiry := todayExpiry(c)
	right := models.Call
	if direction == "BULLISH" {
		right = models.Put
	}
	s.st.ShortLeg = models.OptionSymbol(s.root, expiry, right, shortK)
	s.st.LongLeg = models.OptionSymbol(s.root, expiry, right, longK)
	c.SaveState()

	c.Logger().Infof("%s signal at %.2f (break %.2f): legs %s / %s",
		direction, close, level, s.st.ShortLeg, s.st.LongLeg)
	for _, leg := range []string{s.st.ShortLeg, s.st.LongLeg} {
		_ = c.Client().RequestInstrument(leg)
		_ = c.Client().SubscribeQuotes(leg)
	}
	s.legPolls = 0
	c.SetAlert(timerLegFallback, c.Clock().Now().Add(legFallbackDelay))
}

// strikes picks the short strike one step beyond the range in the entry
// direction, the long strike strike_width further out.
func (s *SPX15Range) strikes(direction string) (shortK, longK float64) {
	r := s.st.Range
	if direction == "BEARISH" {
		shortK = util.SnapToStep(r.ORHigh, s.strikeStep)
		if shortK <= r.ORHigh {
			shortK += s.strikeStep
		}
		return shortK, shortK + s.strikeWidth
	}
	shortK = util.SnapToStep(r.ORLow, s.strikeStep)
	if shortK >= r.ORLow {
		shortK -= s.strikeStep
	}
	return shortK, shortK - s.strikeWidth
}

func (s *SPX15Range) OnInstrument(c *runtime.Core, in *models.Instrument) {
	if !s.st.EntryInProgress {
		return
	}
	if in.ID == s.st.ShortLeg || in.ID == s.st.LongLeg {
		s.tryCompose(c)
	}
}

// legsReady checks the instrument cache for both deterministic leg ids.
func (s *SPX15Range) legsReady(c *runtime.Core) bool {
	_, shortOK := c.Cache().Instrument(s.st.ShortLeg)
	_, longOK := c.Cache().Instrument(s.st.LongLeg)
	return shortOK && longOK
}

func (s *SPX15Range) tryCompose(c *runtime.Core) {
	if !s.st.EntryInProgress || !s.legsReady(c) {
		return
	}
	c.CancelTimer(timerLegFallback)
	c.CancelTimer(timerLegPoll)

	if reason, ok := s.validateSignal(c); !ok {
		s.abortEntry(c, reason)
		return
	}

	spreadID, err := c.Client().CreateSpread([]models.SpreadLeg{
		{InstrumentID: s.st.LongLeg, Ratio: 1},
		{InstrumentID: s.st.ShortLeg, Ratio: -1},
	})
	if err != nil {
		s.abortEntry(c, fmt.Sprintf("spread compose failed: %v", err))
		return
	}
	s.st.SpreadID = spreadID
	_ = c.Client().SubscribeQuotes(spreadID)

	shortQ, okS := c.Cache().Quote(s.st.ShortLeg)
	longQ, okL := c.Cache().Quote(s.st.LongLeg)
	if !okS || !okL || !shortQ.Valid() || !longQ.Valid() {
		s.abortEntry(c, "leg quotes unavailable")
		return
	}
	credit := util.RoundToTick(shortQ.Mid()-longQ.Mid(), s.tick)
	if credit < s.minCredit {
		s.abortEntry(c, fmt.Sprintf("credit %.2f below minimum %.2f", credit, s.minCredit))
		return
	}
	s.submitSpread(c, credit)
}

// validateSignal re-checks the break just before money goes at risk.
func (s *SPX15Range) validateSignal(c *runtime.Core) (string, bool) {
	now := c.Clock().Now()
	if now.Sub(s.st.SignalTime) > s.maxSignalAge {
		return "Signal Expired", false
	}
	if uq, ok := c.Cache().Quote(s.cfg.InstrumentID); ok && uq.Valid() {
		mid := uq.Mid()
		bounced := (s.st.Direction == "BEARISH" && mid > s.st.BreakLevel+s.maxDeviation) ||
			(s.st.Direction == "BULLISH" && mid < s.st.BreakLevel-s.maxDeviation)
		if bounced {
			return fmt.Sprintf("Price Bounced (%.2f vs break %.2f)", mid, s.st.BreakLevel), false
		}
	}
	local := now.In(c.Clock().Location())
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), s.cutoffHour, s.cutoffMinute, 0, 0, c.Clock().Location())
	if !local.Before(cutoff) {
		return "Past Entry Cutoff", false
	}
	return "", true
}

func (s *SPX15Range) submitSpread(c *runtime.Core, credit float64) {
	qty := s.cfg.OrderSize
	tradeID := fmt.Sprintf("%s-%d", s.cfg.ID, c.Clock().Now().UnixMilli())

	_, _, shortRight, shortK, _ := models.ParseOptionSymbol(s.st.ShortLeg)
	_, _, _, longK, _ := models.ParseOptionSymbol(s.st.LongLeg)
	err := c.StartTradeRecord(models.TradeRecord{
		TradeID:      tradeID,
		StrategyID:   s.cfg.ID,
		InstrumentID: s.st.SpreadID,
		TradeType:    spreadType(s.st.Direction),
		Direction:    s.st.Direction,
		Quantity:     qty,
		EntryTime:    c.Clock().Now(),
		EntryPrice:   -credit,
		MaxProfit:    credit * 100 * qty,
		MaxLoss:      (s.strikeWidth - credit) * 100 * qty,
		Strikes: []string{
			models.StrikeLabel(shortK, shortRight),
			models.StrikeLabel(longK, shortRight),
		},
		Legs: []string{s.st.LongLeg, s.st.ShortLeg},
	})
	if err != nil {
		s.abortEntry(c, fmt.Sprintf("trade record: %v", err))
		return
	}

	// Net-credit combo: the buy prints at a negative limit.
	clientID, err := c.SubmitEntryOrder(models.Order{
		InstrumentID: s.st.SpreadID,
		Side:         models.Buy,
		Type:         models.Limit,
		LimitPrice:   -credit,
		Qty:          qty,
	})
	if err != nil {
		c.Trades().DeleteTrade(tradeID)
		s.abortEntry(c, fmt.Sprintf("submit failed: %v", err))
		return
	}

	s.st.EntryClientID = clientID
	s.st.SpreadEntryPrice = credit
	s.st.Qty = qty
	s.st.CurrentTradeID = tradeID
	c.ActiveOptionID = s.st.SpreadID
	c.SaveState()

	if s.fillTimeout > 0 {
		c.SetAlert(timerFillTimeout, c.Clock().Now().Add(s.fillTimeout))
	}
	c.Notify("%s spread submitted: %s credit %.2f x%.0f", s.st.Direction, s.st.SpreadID, credit, qty)
}

// abortEntry cancels an entry attempt before submission. The daily latches
// stay set: one attempt per day, success or not.
func (s *SPX15Range) abortEntry(c *runtime.Core, reason string) {
	c.Notify("⚠️ ENTRY CANCELLED — %s", reason)
	s.st.Range.TradedToday = true
	s.st.Range.EntryAttemptedToday = true
	s.releaseLegs(c)
	s.st.EntryInProgress = false
	s.st.Direction = ""
	c.SaveState()
}

func (s *SPX15Range) releaseLegs(c *runtime.Core) {
	for _, leg := range []string{s.st.ShortLeg, s.st.LongLeg} {
		if leg != "" {
			_ = c.Client().UnsubscribeQuotes(leg)
		}
	}
	c.CancelTimer(timerLegFallback)
	c.CancelTimer(timerLegPoll)
}

func (s *SPX15Range) OnOrderEvent(c *runtime.Core, ev broker.Event) {
	o := ev.Order
	switch ev.Kind {
	case broker.EventOrderFilled:
		if o.ClientID == s.st.EntryClientID {
			s.onEntryFill(c, o)
			return
		}
		if s.holding() && o.InstrumentID == s.st.SpreadID {
			if pos, ok := c.Cache().Position(s.st.SpreadID); !ok || (&pos).IsFlat() {
				s.onExitFill(c, o)
			}
		}
	case broker.EventOrderRejected:
		if o.ClientID == s.st.EntryClientID {
			c.CancelTimer(timerFillTimeout)
			c.Trades().DeleteTrade(s.st.CurrentTradeID)
			s.clearEntry(c)
			c.Notify("⚠️ ENTRY REJECTED — %s", ev.Reason)
		}
	}
}

func (s *SPX15Range) onEntryFill(c *runtime.Core, o *models.Order) {
	c.CancelTimer(timerFillTimeout)
	s.st.Range.TradedToday = true
	s.st.Range.EntryAttemptedToday = true
	s.st.EntryInProgress = false
	if o.AvgFillPrice != 0 {
		s.st.SpreadEntryPrice = -o.AvgFillPrice
	}
	if o.FilledQty > 0 {
		s.st.Qty = o.FilledQty
	}
	c.SaveState()
	c.SetPeriodic(timerStatus, 30*time.Second)
	c.Notify("spread filled: %s credit %.2f x%.0f", s.st.SpreadID, s.st.SpreadEntryPrice, s.st.Qty)
}

func (s *SPX15Range) onExitFill(c *runtime.Core, o *models.Order) {
	exit := o.AvgFillPrice
	if exit == 0 {
		exit = s.st.CloseLimit
	}
	reason := c.ExitReason()
	if reason == "" {
		reason = models.ReasonManual
	}
	c.CloseTradeRecord(exit, reason)
	s.clearPosition(c)
}

// manageSpread runs the per-tick SL/TP ladder on the spread quote. The mid is
// negative while the spread holds value; cost to close is its magnitude.
func (s *SPX15Range) manageSpread(c *runtime.Core, q *models.Quote) {
	mid := q.Mid()
	credit := s.st.SpreadEntryPrice
	cost := -mid
	if cost < 0 {
		cost = 0
	}
	pnl := (credit - cost) * 100 * s.st.Qty
	c.UpdateTradeMetrics(pnl)

	stop := -(credit + s.fixedSL/100)
	target := credit - s.takeProfit/100
	if target < 0.05 {
		target = 0.05
	}
	tpLevel := -target

	// Stop first: it outranks a pending take-profit.
	if mid <= stop && !c.SLTriggered {
		c.SLTriggered = true
		c.Logger().Warnf("spread stop: mid %.2f <= %.2f", mid, stop)
		_ = c.CancelAllOrders(s.st.SpreadID)
		c.ClosingInProgress = false
		s.st.CloseLimit = mid - 0.05
		c.SaveState()
		if err := c.CloseSpreadSmart(models.ReasonStopLoss, s.st.CloseLimit); err != nil {
			c.Logger().Errorf("stop close: %v", err)
		}
		return
	}

	if mid >= tpLevel && !c.ClosingInProgress {
		if c.EntryOrderID != "" {
			_ = c.CancelEntryOrder()
		}
		s.st.CloseLimit = mid
		c.SaveState()
		if err := c.CloseSpreadSmart(models.ReasonTakeProfit, s.st.CloseLimit); err != nil {
			c.Logger().Errorf("take-profit close: %v", err)
		}
		return
	}

	now := c.Clock().Now()
	if now.Sub(s.lastStatus) >= 30*time.Second {
		s.lastStatus = now
		c.Logger().Infof("spread %.2f: pnl %.0f, %.2f to stop, %.2f to target",
			mid, pnl, mid-stop, tpLevel-mid)
	}
}

func (s *SPX15Range) OnTimer(c *runtime.Core, name string, _ time.Time) {
	switch name {
	case timerLegFallback:
		s.legPolls = 0
		c.SetPeriodic(timerLegPoll, legPollInterval)
	case timerLegPoll:
		s.legPolls++
		if s.legsReady(c) {
			c.CancelTimer(timerLegPoll)
			s.tryCompose(c)
			return
		}
		if s.legPolls >= legPollMax {
			c.CancelTimer(timerLegPoll)
			s.abortEntry(c, "option legs never became available")
		}
	case timerFillTimeout:
		s.onFillTimeout(c)
	case timerStatus:
		// manageSpread logs on the next tick; nothing to do when flat.
		if !s.holding() {
			c.CancelTimer(timerStatus)
		}
	}
}

// onFillTimeout resolves an entry that did not fully print in time: cancel
// the remainder, keep what filled (rescaling the trade), or walk away
// entirely when nothing filled.
func (s *SPX15Range) onFillTimeout(c *runtime.Core) {
	if s.st.EntryClientID == "" {
		return
	}
	o, ok := c.Cache().Order(s.st.EntryClientID)
	filled := 0.0
	if ok {
		filled = o.FilledQty
	}
	switch {
	case ok && o.Status == models.OrderFilled:
		return
	case filled > 0:
		_ = c.CancelEntryOrder()
		c.Trades().UpdateTradeQuantity(s.st.CurrentTradeID, filled)
		s.st.Qty = filled
		c.SaveState()
		c.Notify("⚠️ PARTIAL FILL — keeping %.0f of %.0f", filled, s.cfg.OrderSize)
	default:
		_ = c.CancelEntryOrder()
		c.Trades().DeleteTrade(s.st.CurrentTradeID)
		s.clearEntry(c)
		c.Notify("⚠️ ENTRY TIMEOUT — no fills, trade abandoned")
	}
}

func (s *SPX15Range) holding() bool {
	return s.st.SpreadID != "" && s.st.CurrentTradeID != ""
}

func (s *SPX15Range) dayReset(c *runtime.Core) {
	// A 0DTE position cannot survive the day; any leftover state is stale.
	if !s.holding() {
		s.clearEntry(c)
	}
	s.lastStatus = time.Time{}
	c.SaveState()
}

// clearEntry wipes in-flight entry bookkeeping (no position was taken).
func (s *SPX15Range) clearEntry(c *runtime.Core) {
	s.releaseLegs(c)
	if s.st.SpreadID != "" {
		_ = c.Client().UnsubscribeQuotes(s.st.SpreadID)
	}
	s.st.EntryInProgress = false
	s.st.Direction = ""
	s.st.ShortLeg, s.st.LongLeg, s.st.SpreadID = "", "", ""
	s.st.EntryClientID = ""
	s.st.SpreadEntryPrice, s.st.Qty = 0, 0
	s.st.CurrentTradeID = ""
	c.ActiveOptionID = ""
	c.ActiveTradeID = ""
	c.SaveState()
}

// clearPosition wipes everything after a completed round trip.
func (s *SPX15Range) clearPosition(c *runtime.Core) {
	c.CancelTimer(timerStatus)
	c.SLTriggered = false
	s.st.CloseLimit = 0
	s.clearEntry(c)
}

func spreadType(direction string) string {
	if direction == "BEARISH" {
		return "CALL_CREDIT_SPREAD"
	}
	return "PUT_CREDIT_SPREAD"
}

func todayExpiry(c *runtime.Core) time.Time {
	local := c.Clock().Now().In(c.Clock().Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func parseClock(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	return h, m, nil
}
