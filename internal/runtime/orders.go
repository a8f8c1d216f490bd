package runtime

import (
	"fmt"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

// NewClientID mints a client order id owned by this strategy. Every order a
// strategy submits must carry such an id; event routing keys off the prefix.
func (c *Core) NewClientID() string {
	c.nonceMu.Lock()
	c.nonce++
	n := c.nonce
	c.nonceMu.Unlock()
	return fmt.Sprintf("%s-%d-%d", c.handler.ID(), c.deps.Clock.Now().UnixMilli(), n)
}

// SubmitEntryOrder submits o as the strategy's entry. The client id is minted
// when absent; the order is tracked in the pending-entry set and as
// EntryOrderID until it resolves.
func (c *Core) SubmitEntryOrder(o models.Order) (string, error) {
	if o.ClientID == "" {
		o.ClientID = c.NewClientID()
	}
	if err := c.deps.Client.SubmitOrder(c.ctx, o); err != nil {
		return "", err
	}
	c.pendingEntries[o.ClientID] = struct{}{}
	c.EntryOrderID = o.ClientID
	c.logger.Infof("entry submitted: %s %s %.0f@%s (%s)",
		o.Side, o.InstrumentID, o.Qty, priceLabel(o), o.ClientID)
	return o.ClientID, nil
}

// SubmitBracketOrder submits an entry with protective stop-loss and
// take-profit children attached. The gateway manages the children as an OCA
// pair under derived client ids.
func (c *Core) SubmitBracketOrder(entry models.Order, slPrice, tpPrice float64) (string, error) {
	entry.Bracket = &models.Bracket{StopLoss: slPrice, TakeProfit: tpPrice}
	return c.SubmitEntryOrder(entry)
}

// CancelAllOrders cancels every working order on an instrument.
func (c *Core) CancelAllOrders(instrumentID string) error {
	return c.deps.Client.CancelAllOrders(c.ctx, instrumentID)
}

// CancelEntryOrder cancels the working entry order, if any.
func (c *Core) CancelEntryOrder() error {
	if c.EntryOrderID == "" {
		return nil
	}
	return c.deps.Client.CancelOrder(c.ctx, c.EntryOrderID)
}

// CloseStrategyPosition closes the position the strategy currently holds with
// a market order. The instrument defaults to the active option (never the
// configured underlying); an override wins when given. Guarded by
// ClosingInProgress: concurrent exit signals submit at most one close.
func (c *Core) CloseStrategyPosition(reason string, overrideInstrumentID ...string) error {
	if c.ClosingInProgress {
		return nil
	}
	instrumentID := c.ActiveOptionID
	if len(overrideInstrumentID) > 0 && overrideInstrumentID[0] != "" {
		instrumentID = overrideInstrumentID[0]
	}
	if instrumentID == "" {
		instrumentID = c.cfg.InstrumentID
	}

	pos, ok := c.deps.Cache.Position(instrumentID)
	if !ok || (&pos).IsFlat() {
		c.logger.Warnf("close requested (%s) but no position in %s", reason, instrumentID)
		return nil
	}
	side := models.Sell
	if pos.Side == models.Short {
		side = models.Buy
	}

	o := models.Order{
		ClientID:     c.NewClientID(),
		InstrumentID: instrumentID,
		Side:         side,
		Type:         models.Market,
		Qty:          abs(pos.Qty),
		Tag:          reason,
	}
	if err := c.deps.Client.SubmitOrder(c.ctx, o); err != nil {
		return err
	}
	c.pendingExits[o.ClientID] = struct{}{}
	c.ClosingInProgress = true
	c.exitReason = reason
	c.logger.Infof("closing %s: %s %.0f %s (%s)", instrumentID, side, abs(pos.Qty), reason, o.ClientID)
	return nil
}

// CloseSpreadSmart closes the active spread at a limit when one is given,
// otherwise at market. Credit-spread convention: buying the spread back at a
// debit is a negative limit from the holder's point of view, so callers pass
// the signed price straight through.
func (c *Core) CloseSpreadSmart(reason string, limit ...float64) error {
	if c.ClosingInProgress {
		return nil
	}
	instrumentID := c.ActiveOptionID
	if instrumentID == "" {
		return fmt.Errorf("no active spread to close")
	}
	pos, ok := c.deps.Cache.Position(instrumentID)
	if !ok || (&pos).IsFlat() {
		c.logger.Warnf("spread close requested (%s) but flat in %s", reason, instrumentID)
		return nil
	}
	side := models.Sell
	if pos.Side == models.Short {
		side = models.Buy
	}

	o := models.Order{
		ClientID:     c.NewClientID(),
		InstrumentID: instrumentID,
		Side:         side,
		Type:         models.Market,
		Qty:          abs(pos.Qty),
		Tag:          reason,
	}
	if len(limit) > 0 {
		o.Type = models.Limit
		o.LimitPrice = limit[0]
	}
	if err := c.deps.Client.SubmitOrder(c.ctx, o); err != nil {
		return err
	}
	c.pendingExits[o.ClientID] = struct{}{}
	c.ClosingInProgress = true
	c.exitReason = reason
	c.logger.Infof("closing spread %s: %s %.0f %s (%s)", instrumentID, side, abs(pos.Qty), reason, o.ClientID)
	return nil
}

// ArmSoftwareSL arms the in-process stop fallback at price. exitOnRise is
// true for short structures, whose loss grows as the close-out price rises.
func (c *Core) ArmSoftwareSL(price float64, exitOnRise bool) {
	c.softSL.armed = true
	c.softSL.price = price
	c.softSL.exitOnRise = exitOnRise
}

// DisarmSoftwareSL drops the stop fallback.
func (c *Core) DisarmSoftwareSL() {
	c.softSL.armed = false
}

// checkSoftwareSL fires the software stop when the active option's price
// crosses the armed level. The stop always targets the instrument actually
// held, disarms itself, cancels pending exits first (stop outranks a pending
// take-profit), and latches SLTriggered against re-entry.
func (c *Core) checkSoftwareSL(q *models.Quote) {
	if !c.softSL.armed || c.SLTriggered {
		return
	}
	if c.ActiveOptionID == "" || q.InstrumentID != c.ActiveOptionID || !q.Valid() {
		return
	}
	mid := q.Mid()
	crossed := (c.softSL.exitOnRise && mid >= c.softSL.price) ||
		(!c.softSL.exitOnRise && mid <= c.softSL.price)
	if !crossed {
		return
	}

	c.SLTriggered = true
	c.softSL.armed = false
	c.logger.Warnf("software stop hit on %s: mid %.2f vs %.2f", c.ActiveOptionID, mid, c.softSL.price)

	for clientID := range c.pendingExits {
		if err := c.deps.Client.CancelOrder(c.ctx, clientID); err != nil {
			c.logger.Warnf("cancel pending exit %s: %v", clientID, err)
		}
		delete(c.pendingExits, clientID)
	}
	c.ClosingInProgress = false
	if err := c.CloseStrategyPosition(models.ReasonStopLoss, c.ActiveOptionID); err != nil {
		c.logger.Errorf("software stop close: %v", err)
	}
}

// preprocessOrderEvent does the core's bookkeeping for one order event and
// reports whether the handler should see it. Events for client ids this
// strategy never issued are ignored; replayed executions are deduped by exec
// id.
func (c *Core) preprocessOrderEvent(ev broker.Event) bool {
	clientID := ev.ClientID()
	if clientID == "" || !c.owns(clientID) {
		return false
	}
	if ev.ExecID != "" {
		if _, seen := c.processedExecs[ev.ExecID]; seen {
			return false
		}
		c.processedExecs[ev.ExecID] = struct{}{}
		if ev.Order != nil && ev.Order.Commission != 0 {
			c.TradeCommission += ev.Order.Commission
		}
	}
	c.recordOrderRow(ev)

	switch ev.Kind {
	case broker.EventOrderFilled:
		if clientID == c.EntryOrderID {
			c.EntryOrderID = ""
		}
		delete(c.pendingEntries, clientID)
		if _, isExit := c.pendingExits[clientID]; isExit {
			delete(c.pendingExits, clientID)
			if c.flatIn(ev.Order.InstrumentID) {
				c.ClosingInProgress = false
			}
		}
	case broker.EventOrderCanceled, broker.EventOrderRejected, broker.EventOrderExpired:
		if clientID == c.EntryOrderID {
			c.EntryOrderID = ""
		}
		delete(c.pendingEntries, clientID)
		delete(c.pendingExits, clientID)
		// A dead exit while still holding must not strand the position:
		// clear the guard so SL/TP logic re-arms on the next tick.
		if c.ClosingInProgress && ev.Order != nil && !c.flatIn(ev.Order.InstrumentID) {
			c.ClosingInProgress = false
			c.Notify("⚠️ exit order %s %s — position still open, re-arming exits", clientID, ev.Kind)
		}
	}
	return true
}

// recordOrderRow mirrors the event into the orders table. The insert is
// idempotent on exchange order id, so replays collapse.
func (c *Core) recordOrderRow(ev broker.Event) {
	if c.deps.Trades == nil || ev.Order == nil {
		return
	}
	o := ev.Order
	if o.ExchangeID == "" {
		return
	}
	direction := models.DirectionEntry
	if _, isExit := c.pendingExits[o.ClientID]; isExit || c.ClosingInProgress {
		direction = models.DirectionExit
	}
	c.deps.Trades.RecordOrder(models.OrderRecord{
		TradeID:         c.ActiveTradeID,
		StrategyID:      c.handler.ID(),
		InstrumentID:    o.InstrumentID,
		Direction:       direction,
		Side:            o.Side,
		Type:            o.Type,
		Quantity:        o.Qty,
		LimitPrice:      o.LimitPrice,
		Status:          string(o.Status),
		SubmittedTime:   o.SubmittedAt,
		ExchangeOrderID: o.ExchangeID,
		ClientOrderID:   o.ClientID,
	})
	if o.Status.Terminal() || o.Status == models.OrderPartiallyFilled {
		c.deps.Trades.UpdateOrder(o.ExchangeID, fillPatch(o))
	}
}

func (c *Core) flatIn(instrumentID string) bool {
	pos, ok := c.deps.Cache.Position(instrumentID)
	return !ok || (&pos).IsFlat()
}

// StartTradeRecord opens the trade row and tracks its id on the core.
func (c *Core) StartTradeRecord(t models.TradeRecord) error {
	if c.deps.Trades == nil {
		return nil
	}
	if err := c.deps.Trades.StartTrade(t); err != nil {
		return err
	}
	c.ActiveTradeID = t.TradeID
	c.TradeCommission = 0
	c.SaveState()
	return nil
}

// CloseTradeRecord finalizes the active trade with the accumulated
// commissions and clears the tracker.
func (c *Core) CloseTradeRecord(exitPrice float64, reason string) *models.TradeRecord {
	if c.deps.Trades == nil || c.ActiveTradeID == "" {
		return nil
	}
	rec := c.deps.Trades.CloseTrade(c.ActiveTradeID, exitPrice, reason, c.deps.Clock.Now(), c.TradeCommission)
	c.ActiveTradeID = ""
	c.TradeCommission = 0
	c.SaveState()
	if rec != nil {
		c.Notify("trade closed: %s net %.2f (%s)", rec.TradeID, rec.NetPnL, reason)
	}
	return rec
}

// UpdateTradeMetrics feeds an unrealized-PnL sample for the active trade.
func (c *Core) UpdateTradeMetrics(pnl float64) {
	if c.deps.Trades == nil || c.ActiveTradeID == "" {
		return
	}
	if err := c.deps.Trades.UpdateTradeMetrics(c.ActiveTradeID, pnl, c.deps.Clock.Now()); err != nil {
		c.logger.Debugf("trade metrics: %v", err)
	}
}

func fillPatch(o *models.Order) tradedb.OrderPatch {
	status := string(o.Status)
	p := tradedb.OrderPatch{Status: &status}
	if o.FilledQty > 0 {
		fq := o.FilledQty
		p.FilledQty = &fq
	}
	if o.AvgFillPrice != 0 {
		ap := o.AvgFillPrice
		p.AvgFillPrice = &ap
	}
	if o.Commission != 0 {
		cm := o.Commission
		p.Commission = &cm
	}
	if o.Status == models.OrderFilled && !o.UpdatedAt.IsZero() {
		ft := o.UpdatedAt
		p.FilledTime = &ft
	}
	return p
}

// ExitReason returns the reason stamped on the in-flight close, "" when no
// close is pending.
func (c *Core) ExitReason() string { return c.exitReason }

func priceLabel(o models.Order) string {
	if o.Type == models.Limit {
		return fmt.Sprintf("%.2f", o.LimitPrice)
	}
	return "MKT"
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
