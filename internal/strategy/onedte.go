package strategy

import (
	"fmt"
	"time"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/runtime"
	"github.com/kestrade/orbweaver/internal/util"
)

const timerEntryScan = "entry_scan"

const macroDateLayout = "2006-01-02"

// oneDTEState is the persisted document of the 1DTE bull put strategy.
// Position fields survive the overnight hold; the daily flags do not.
type oneDTEState struct {
	Day                 string `json:"day"`
	EntryAttemptedToday bool   `json:"entry_attempted_today"`
	EntryInProgress     bool   `json:"entry_in_progress"`

	Range *RangeEngine `json:"range"`
	Trend *trendFilter `json:"trend"`

	ShortLeg string    `json:"short_leg,omitempty"`
	LongLeg  string    `json:"long_leg,omitempty"`
	SpreadID string    `json:"spread_id,omitempty"`
	Expiry   time.Time `json:"expiry,omitempty"`

	EntryClientID    string  `json:"entry_client_id,omitempty"`
	SpreadEntryPrice float64 `json:"spread_entry_price,omitempty"` // absolute credit
	Qty              float64 `json:"qty,omitempty"`
	CurrentTradeID   string  `json:"current_trade_id,omitempty"`
	CloseLimit       float64 `json:"close_limit,omitempty"`
}

// OneDTE sells a bull put spread expiring the next trading day, entered on
// an upside break of the index opening range and gated on the ES-futures
// trend filter. The position is carried overnight and managed to a
// percentage stop/target on the credit.
type OneDTE struct {
	cfg models.StrategyConfig
	st  *oneDTEState

	trendInstrument string
	shortDelta      float64
	longDelta       float64
	strikeRange     int
	strikeStep      float64
	minCredit       float64
	slPercent       float64
	tpPercent       float64
	fillTimeout     time.Duration
	settle          time.Duration
	tick            float64
	root            string
	entryHour       int
	entryMinute     int
	cutoffHour      int
	cutoffMinute    int
	eodHour         int
	eodMinute       int

	requireReclaim bool
	requireTwoDay  bool
	macroDates     map[string]struct{}
	blockDayBefore bool

	shortSearchID string
	longSearchID  string
	lastStatus    time.Time
}

// NewOneDTE builds the strategy from configuration.
func NewOneDTE(cfg models.StrategyConfig) (*OneDTE, error) {
	entH, entM, err := parseClock(cfg.ParamString("entry_time", "10:00"))
	if err != nil {
		return nil, err
	}
	cutH, cutM, err := parseClock(cfg.ParamString("entry_cutoff_time", "14:00"))
	if err != nil {
		return nil, err
	}
	eodH, eodM, err := parseClock(cfg.ParamString("expiry_close_time", "15:45"))
	if err != nil {
		return nil, err
	}
	macro := make(map[string]struct{})
	for _, d := range cfg.ParamStrings("macro_event_dates") {
		if _, err := time.Parse(macroDateLayout, d); err != nil {
			return nil, fmt.Errorf("bad macro date %q", d)
		}
		macro[d] = struct{}{}
	}
	rng, err := NewRangeEngine(cfg.ParamString("start_time", "09:30"), cfg.ParamInt("range_minutes", 15))
	if err != nil {
		return nil, err
	}
	return &OneDTE{
		cfg:             cfg,
		st:              &oneDTEState{Range: rng, Trend: newTrendFilter()},
		trendInstrument: cfg.ParamString("trend_instrument", "ES"),
		shortDelta:      cfg.ParamFloat("short_delta", -0.25),
		longDelta:       cfg.ParamFloat("long_delta", -0.14),
		strikeRange:     cfg.ParamInt("strike_range", 15),
		strikeStep:      cfg.ParamFloat("strike_step", 5),
		minCredit:       cfg.ParamFloat("min_credit_amount", 0.50),
		slPercent:       cfg.ParamFloat("sl_percent", 180),
		tpPercent:       cfg.ParamFloat("tp_percent", 40),
		fillTimeout:     time.Duration(cfg.ParamInt("fill_timeout_seconds", 90)) * time.Second,
		settle:          time.Duration(cfg.ParamInt("settle_seconds", 10)) * time.Second,
		tick:            cfg.ParamFloat("option_tick", 0.05),
		root:            cfg.ParamString("option_root", "SPXW"),
		entryHour:       entH,
		entryMinute:     entM,
		cutoffHour:      cutH,
		cutoffMinute:    cutM,
		eodHour:         eodH,
		eodMinute:       eodM,
		requireReclaim:  cfg.ParamBool("require_strong_reclaim", false),
		requireTwoDay:   cfg.ParamBool("require_two_day_confirmation", false),
		macroDates:      macro,
		blockDayBefore:  cfg.ParamBool("block_day_before_macro", false),
	}, nil
}

func (s *OneDTE) ID() string    { return s.cfg.ID }
func (s *OneDTE) Type() string  { return s.cfg.Type }
func (s *OneDTE) StateRef() any { return s.st }

func (s *OneDTE) OnStart(c *runtime.Core) error {
	if s.st.Trend == nil {
		s.st.Trend = newTrendFilter()
	}
	if s.st.Range == nil {
		rng, err := NewRangeEngine(s.cfg.ParamString("start_time", "09:30"), s.cfg.ParamInt("range_minutes", 15))
		if err != nil {
			return err
		}
		s.st.Range = rng
	}
	c.ActiveOptionID = s.st.SpreadID
	c.ActiveTradeID = s.st.CurrentTradeID
	if err := c.Client().SubscribeQuotes(s.cfg.InstrumentID); err != nil {
		return err
	}
	if err := c.Client().SubscribeBars(models.MinuteBars(s.cfg.InstrumentID)); err != nil {
		return err
	}
	if err := c.Client().SubscribeBars(models.MinuteBars(s.trendInstrument)); err != nil {
		return err
	}
	if err := c.Client().SubscribeBars(models.DailyBars(s.trendInstrument)); err != nil {
		return err
	}
	if s.holding() {
		_ = c.Client().SubscribeQuotes(s.st.SpreadID)
	}
	c.SetPeriodic(timerEntryScan, time.Duration(s.cfg.ParamInt("scan_seconds", 60))*time.Second)
	return nil
}

func (s *OneDTE) OnStop(c *runtime.Core) {
	s.cancelSearches(c)
	_ = c.Client().UnsubscribeQuotes(s.cfg.InstrumentID)
	_ = c.Client().UnsubscribeBars(models.MinuteBars(s.cfg.InstrumentID))
	_ = c.Client().UnsubscribeBars(models.MinuteBars(s.trendInstrument))
	_ = c.Client().UnsubscribeBars(models.DailyBars(s.trendInstrument))
}

func (s *OneDTE) OnQuote(c *runtime.Core, q *models.Quote) {
	if q.InstrumentID == s.cfg.InstrumentID && q.Valid() {
		s.st.Range.Observe(q.Mid(), c.Clock().Now(), c.Clock().Location())
		return
	}
	// Net-credit combos quote negative, so Valid() does not apply.
	if q.InstrumentID == s.st.SpreadID && s.holding() && q.Bid != 0 && q.Ask != 0 {
		s.manageSpread(c, q)
	}
}

func (s *OneDTE) OnBar(c *runtime.Core, b *models.Bar) {
	switch b.InstrumentID {
	case s.cfg.InstrumentID:
		if b.IsDaily() {
			return
		}
		s.st.Range.Observe(b.Close, c.Clock().Now(), c.Clock().Location())
		s.st.Range.NoteClose(b.Close)
		c.SaveState()
	case s.trendInstrument:
		if b.IsDaily() {
			s.st.Trend.AddDailyBar(b.Open, b.Close, b.Volume)
		} else {
			s.st.Trend.AddMinuteClose(b.Close)
		}
		c.SaveState()
	}
}

func (s *OneDTE) OnInstrument(*runtime.Core, *models.Instrument) {}

func (s *OneDTE) OnTimer(c *runtime.Core, name string, now time.Time) {
	switch name {
	case timerEntryScan:
		s.scan(c, now)
	case timerFillTimeout:
		s.onFillTimeout(c)
	}
}

// scan runs once a minute: rolls the trading day, force-closes on expiry
// afternoon, and attempts the entry inside the window.
func (s *OneDTE) scan(c *runtime.Core, now time.Time) {
	local := now.In(c.Clock().Location())
	day := local.Format(macroDateLayout)
	if s.st.Day != day {
		s.rollDay(c, local)
	}

	if s.holding() {
		s.maybeExpiryClose(c, local)
		return
	}
	if s.st.EntryAttemptedToday || s.st.EntryInProgress {
		return
	}
	if !s.inEntryWindow(local) {
		return
	}
	if reason, blocked := s.macroBlocked(local); blocked {
		c.Logger().Infof("entry blocked: %s", reason)
		s.st.EntryAttemptedToday = true
		c.SaveState()
		return
	}
	if ok, why := s.rangeBreakout(); !ok {
		c.Logger().Debugf("range filter: %s", why)
		return
	}
	if ok, why := s.trendPasses(c); !ok {
		c.Logger().Debugf("trend filter: %s", why)
		return
	}

	s.st.EntryAttemptedToday = true
	s.st.EntryInProgress = true
	s.st.Expiry = nextTradingDay(local)
	c.SaveState()
	s.launchLegSearches(c)
}

// rollDay clears the daily flags and the opening-range state. Position
// fields are deliberately kept: an overnight spread stays under SL/TP
// monitoring until it closes or expires.
func (s *OneDTE) rollDay(c *runtime.Core, local time.Time) {
	s.st.Day = local.Format(macroDateLayout)
	s.st.EntryAttemptedToday = false
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	if !midnight.Equal(s.st.Range.Day) {
		s.st.Range.resetDaily(midnight)
	}
	if !s.holding() {
		s.st.EntryInProgress = false
	}
	c.SaveState()
}

// rangeBreakout requires a standing upside break of the opening range: the
// high broken with the low intact. A downside break invalidates the day.
func (s *OneDTE) rangeBreakout() (bool, string) {
	r := s.st.Range
	switch {
	case !r.RangeCalculated:
		return false, "opening range not frozen yet"
	case !r.HighBreached:
		return false, "no upside break"
	case r.LowBreached:
		return false, "downside break invalidates bullish entry"
	}
	return true, ""
}

func (s *OneDTE) inEntryWindow(local time.Time) bool {
	if !withinSession(local, local.Location(), 0) {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), s.entryHour, s.entryMinute, 0, 0, local.Location())
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), s.cutoffHour, s.cutoffMinute, 0, 0, local.Location())
	return !local.Before(open) && local.Before(cutoff)
}

func (s *OneDTE) macroBlocked(local time.Time) (string, bool) {
	today := local.Format(macroDateLayout)
	if _, ok := s.macroDates[today]; ok {
		return "macro event today (" + today + ")", true
	}
	if s.blockDayBefore {
		next := nextTradingDay(local).Format(macroDateLayout)
		if _, ok := s.macroDates[next]; ok {
			return "macro event next session (" + next + ")", true
		}
	}
	return "", false
}

func (s *OneDTE) trendPasses(c *runtime.Core) (bool, string) {
	uq, ok := c.Cache().Quote(s.trendInstrument)
	price := 0.0
	if ok && uq.Valid() {
		price = uq.Mid()
	} else if n := len(s.st.Trend.MinuteCloses); n > 0 {
		price = s.st.Trend.MinuteCloses[n-1]
	} else {
		return false, "no trend price yet"
	}

	if ok, why := s.st.Trend.Bullish(price); !ok {
		return false, why
	}
	if s.requireReclaim && !s.st.Trend.ReclaimOK {
		return false, "strong-reclaim confirmation missing"
	}
	if s.requireTwoDay && !s.st.Trend.TwoDayOK {
		return false, "two-day confirmation missing"
	}
	return true, ""
}

// launchLegSearches finds the short put by delta first, then the long wing.
func (s *OneDTE) launchLegSearches(c *runtime.Core) {
	id, err := c.Search().FindByDelta(s.deltaRequest(c, s.shortDelta, func(_ string, winner *models.Instrument, _ *models.Quote) {
		s.shortSearchID = ""
		if winner == nil {
			s.abortEntry(c, fmt.Sprintf("no short put near delta %.2f", s.shortDelta))
			return
		}
		s.st.ShortLeg = winner.ID
		c.SaveState()
		s.launchLongSearch(c)
	}))
	if err != nil {
		s.abortEntry(c, fmt.Sprintf("short leg search: %v", err))
		return
	}
	s.shortSearchID = id
}

func (s *OneDTE) launchLongSearch(c *runtime.Core) {
	id, err := c.Search().FindByDelta(s.deltaRequest(c, s.longDelta, func(_ string, winner *models.Instrument, _ *models.Quote) {
		s.longSearchID = ""
		if winner == nil {
			s.abortEntry(c, fmt.Sprintf("no long put near delta %.2f", s.longDelta))
			return
		}
		s.st.LongLeg = winner.ID
		c.SaveState()
		s.composeAndSubmit(c)
	}))
	if err != nil {
		s.abortEntry(c, fmt.Sprintf("long leg search: %v", err))
		return
	}
	s.longSearchID = id
}

func (s *OneDTE) deltaRequest(c *runtime.Core, target float64, cb optsearch.Callback) optsearch.Request {
	return optsearch.Request{
		Underlying:  s.cfg.InstrumentID,
		Root:        s.root,
		Target:      target,
		Right:       models.Put,
		Expiry:      s.st.Expiry,
		StrikeRange: s.strikeRange,
		StrikeStep:  s.strikeStep,
		SettleDelay: s.settle,
		Callback: func(searchID string, winner *models.Instrument, quote *models.Quote) {
			c.Enqueue(func() { cb(searchID, winner, quote) })
		},
	}
}

func (s *OneDTE) composeAndSubmit(c *runtime.Core) {
	_, _, _, shortK, okS := models.ParseOptionSymbol(s.st.ShortLeg)
	_, _, _, longK, okL := models.ParseOptionSymbol(s.st.LongLeg)
	if !okS || !okL {
		s.abortEntry(c, "unparseable leg symbols")
		return
	}
	// A bull put's wing sits below the short strike. Delta searches on a
	// thin book can hand back an inverted pair; never trade it.
	if longK >= shortK {
		s.abortEntry(c, fmt.Sprintf("inverted strikes: long %.0f >= short %.0f", longK, shortK))
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

	qty := s.cfg.OrderSize
	width := shortK - longK
	tradeID := fmt.Sprintf("%s-%d", s.cfg.ID, c.Clock().Now().UnixMilli())
	err = c.StartTradeRecord(models.TradeRecord{
		TradeID:      tradeID,
		StrategyID:   s.cfg.ID,
		InstrumentID: spreadID,
		TradeType:    "PUT_CREDIT_SPREAD",
		Direction:    "BULLISH",
		Quantity:     qty,
		EntryTime:    c.Clock().Now(),
		EntryPrice:   -credit,
		MaxProfit:    credit * 100 * qty,
		MaxLoss:      (width - credit) * 100 * qty,
		Strikes: []string{
			models.StrikeLabel(shortK, models.Put),
			models.StrikeLabel(longK, models.Put),
		},
		Legs: []string{s.st.LongLeg, s.st.ShortLeg},
	})
	if err != nil {
		s.abortEntry(c, fmt.Sprintf("trade record: %v", err))
		return
	}

	clientID, err := c.SubmitEntryOrder(models.Order{
		InstrumentID: spreadID,
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
	c.ActiveOptionID = spreadID
	c.SaveState()

	if s.fillTimeout > 0 {
		c.SetAlert(timerFillTimeout, c.Clock().Now().Add(s.fillTimeout))
	}
	c.Notify("1DTE bull put submitted: %s credit %.2f x%.0f (exp %s)",
		spreadID, credit, qty, s.st.Expiry.Format(macroDateLayout))
}

func (s *OneDTE) abortEntry(c *runtime.Core, reason string) {
	c.Notify("⚠️ ENTRY CANCELLED — %s", reason)
	s.cancelSearches(c)
	s.releaseEntryLegs(c)
	s.st.EntryInProgress = false
	c.SaveState()
}

func (s *OneDTE) cancelSearches(c *runtime.Core) {
	if s.shortSearchID != "" {
		c.Search().Cancel(s.shortSearchID)
		s.shortSearchID = ""
	}
	if s.longSearchID != "" {
		c.Search().Cancel(s.longSearchID)
		s.longSearchID = ""
	}
}

func (s *OneDTE) releaseEntryLegs(c *runtime.Core) {
	for _, leg := range []string{s.st.ShortLeg, s.st.LongLeg} {
		if leg != "" {
			_ = c.Client().UnsubscribeQuotes(leg)
		}
	}
	if s.st.SpreadID != "" && !s.holding() {
		_ = c.Client().UnsubscribeQuotes(s.st.SpreadID)
		s.st.SpreadID = ""
	}
	s.st.ShortLeg, s.st.LongLeg = "", ""
}

func (s *OneDTE) OnOrderEvent(c *runtime.Core, ev broker.Event) {
	o := ev.Order
	switch ev.Kind {
	case broker.EventOrderFilled:
		if o.ClientID == s.st.EntryClientID {
			s.onEntryFill(c, o)
			return
		}
		// Exit price comes from the parent spread order only; leg fills
		// report component prices that do not describe the package.
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

func (s *OneDTE) onEntryFill(c *runtime.Core, o *models.Order) {
	c.CancelTimer(timerFillTimeout)
	s.st.EntryInProgress = false
	if o.AvgFillPrice != 0 {
		s.st.SpreadEntryPrice = -o.AvgFillPrice
	}
	if o.FilledQty > 0 {
		s.st.Qty = o.FilledQty
	}
	c.SaveState()
	c.Notify("1DTE spread filled: %s credit %.2f x%.0f", s.st.SpreadID, s.st.SpreadEntryPrice, s.st.Qty)
}

func (s *OneDTE) onExitFill(c *runtime.Core, o *models.Order) {
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

// manageSpread applies the percentage ladder: stop when the debit to close
// reaches (1 + sl%/100) x credit, target when it falls to (1 - tp%/100) x
// credit.
func (s *OneDTE) manageSpread(c *runtime.Core, q *models.Quote) {
	mid := q.Mid()
	credit := s.st.SpreadEntryPrice
	cost := -mid
	if cost < 0 {
		cost = 0
	}
	pnl := (credit - cost) * 100 * s.st.Qty
	c.UpdateTradeMetrics(pnl)

	stopCost := credit * (1 + s.slPercent/100)
	targetCost := credit * (1 - s.tpPercent/100)
	if targetCost < 0.05 {
		targetCost = 0.05
	}

	if cost >= stopCost && !c.SLTriggered {
		c.SLTriggered = true
		c.Logger().Warnf("1DTE stop: cost %.2f >= %.2f", cost, stopCost)
		_ = c.CancelAllOrders(s.st.SpreadID)
		c.ClosingInProgress = false
		s.st.CloseLimit = mid - 0.05
		c.SaveState()
		if err := c.CloseSpreadSmart(models.ReasonStopLoss, s.st.CloseLimit); err != nil {
			c.Logger().Errorf("stop close: %v", err)
		}
		return
	}

	if cost <= targetCost && !c.ClosingInProgress {
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
		c.Logger().Infof("1DTE spread %.2f: pnl %.0f, cost %.2f (stop %.2f / target %.2f)",
			mid, pnl, cost, stopCost, targetCost)
	}
}

// maybeExpiryClose flattens the spread on expiry afternoon rather than
// letting it settle.
func (s *OneDTE) maybeExpiryClose(c *runtime.Core, local time.Time) {
	if s.st.Expiry.IsZero() || c.ClosingInProgress || c.SLTriggered {
		return
	}
	if local.Format(macroDateLayout) != s.st.Expiry.Format(macroDateLayout) {
		return
	}
	eod := time.Date(local.Year(), local.Month(), local.Day(), s.eodHour, s.eodMinute, 0, 0, local.Location())
	if local.Before(eod) {
		return
	}
	if q, ok := c.Cache().Quote(s.st.SpreadID); ok && q.Bid != 0 && q.Ask != 0 {
		s.st.CloseLimit = q.Mid()
		c.SaveState()
		_ = c.CloseSpreadSmart(models.ReasonEndOfDay, s.st.CloseLimit)
		return
	}
	_ = c.CloseSpreadSmart(models.ReasonEndOfDay)
}

func (s *OneDTE) onFillTimeout(c *runtime.Core) {
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

func (s *OneDTE) holding() bool {
	return s.st.SpreadID != "" && s.st.CurrentTradeID != ""
}

func (s *OneDTE) clearEntry(c *runtime.Core) {
	s.cancelSearches(c)
	s.st.CurrentTradeID = ""
	c.ActiveTradeID = ""
	s.releaseEntryLegs(c)
	if s.st.SpreadID != "" {
		_ = c.Client().UnsubscribeQuotes(s.st.SpreadID)
	}
	s.st.EntryInProgress = false
	s.st.SpreadID = ""
	s.st.EntryClientID = ""
	s.st.SpreadEntryPrice, s.st.Qty = 0, 0
	s.st.Expiry = time.Time{}
	c.ActiveOptionID = ""
	c.SaveState()
}

func (s *OneDTE) clearPosition(c *runtime.Core) {
	c.SLTriggered = false
	s.st.CloseLimit = 0
	s.clearEntry(c)
}

// nextTradingDay skips weekends; exchange holidays are accepted as a miss.
func nextTradingDay(local time.Time) time.Time {
	d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	for {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return d
		}
	}
}
