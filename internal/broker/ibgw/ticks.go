package ibgw

import (
	"github.com/kestrade/orbweaver/internal/models"
)

// applyTick merges one wire tick into the instrument's working quote and
// reports whether a quote should be published.
//
// Cash indexes never print a real book: the gateway's index bid/ask ticks are
// frequently zero or stale, while LAST is authoritative. So for INDEX
// instruments a LAST tick is synthesized into a symmetric bid/ask with both
// sizes forced to 1, and natural bid/ask ticks are suppressed. Everywhere
// else, zero-size bid/ask ticks are dropped and a quote is published once
// both sides are known.
func (a *Adapter) applyTick(td tickData) (*models.Quote, bool) {
	isIndex := false
	if in, ok := a.cache.Instrument(td.InstrumentID); ok {
		isIndex = in.Class == models.AssetIndex
	}

	a.quoteMu.Lock()
	defer a.quoteMu.Unlock()

	q, ok := a.quotes[td.InstrumentID]
	if !ok {
		q = &models.Quote{InstrumentID: td.InstrumentID}
		a.quotes[td.InstrumentID] = q
	}

	switch td.Field {
	case tickDelta:
		a.deltas[td.InstrumentID] = td.Price
		q.Delta = td.Price
		q.HasGreeks = true
		return nil, false

	case tickLast:
		if !isIndex {
			return nil, false
		}
		if td.Price <= 0 {
			return nil, false
		}
		q.Bid, q.Ask = td.Price, td.Price
		q.BidSize, q.AskSize = 1, 1
		q.Ts = td.Ts

	case tickBid:
		if isIndex {
			return nil, false
		}
		if td.Size <= 0 {
			return nil, false
		}
		q.Bid, q.BidSize = td.Price, td.Size
		q.Ts = td.Ts

	case tickAsk:
		if isIndex {
			return nil, false
		}
		if td.Size <= 0 {
			return nil, false
		}
		q.Ask, q.AskSize = td.Price, td.Size
		q.Ts = td.Ts

	default:
		return nil, false
	}

	if !isIndex && !q.Valid() {
		return nil, false
	}
	if d, ok := a.deltas[td.InstrumentID]; ok {
		q.Delta = d
		q.HasGreeks = true
	}
	out := *q
	return &out, true
}
