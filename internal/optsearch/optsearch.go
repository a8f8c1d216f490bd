// Package optsearch finds the single option contract whose premium or delta
// is closest to a target. It requests a window of strikes around ATM,
// subscribes to their quotes, lets the book settle, then picks the winner and
// releases every other subscription.
package optsearch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/broker"
	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/clock"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/pricing"
	"github.com/kestrade/orbweaver/internal/util"
)

const (
	minSettleDelay = 5 * time.Second
	maxSettleDelay = 20 * time.Second
)

type mode int

const (
	byPremium mode = iota
	byDelta
)

// Callback receives the search outcome exactly once: the winning instrument
// and its settled quote, or nils when no candidate qualified. The winner's
// quote subscription stays live; it now belongs to the caller.
type Callback func(searchID string, winner *models.Instrument, quote *models.Quote)

// Request describes one search.
type Request struct {
	Underlying  string    // instrument id whose price anchors the strike window
	Root        string    // option root, e.g. SPXW
	Target      float64   // premium (mid) or delta, per the entry point
	Right       models.Right
	Expiry      time.Time // zero value means today (0DTE)
	StrikeRange int       // number of strikes walked out from ATM
	StrikeStep  float64
	MaxSpread   float64 // 0 disables the width filter
	SettleDelay time.Duration
	Callback    Callback
}

type search struct {
	id         string
	mode       mode
	req        Request
	expiry     time.Time
	candidates []string
	done       bool
}

// Engine runs option searches against the broker client and snapshot cache.
type Engine struct {
	clk    clock.Service
	client broker.Client
	cache  *bus.Cache
	logger *logrus.Entry

	seq atomic.Int64

	mu       sync.Mutex
	searches map[string]*search
}

// New creates an engine.
func New(clk clock.Service, client broker.Client, cache *bus.Cache, logger *logrus.Logger) *Engine {
	return &Engine{
		clk:      clk,
		client:   client,
		cache:    cache,
		logger:   logger.WithField("component", "optsearch"),
		searches: make(map[string]*search),
	}
}

// FindByPremium starts a search for the contract whose mid is closest to
// req.Target.
func (e *Engine) FindByPremium(req Request) (string, error) {
	return e.start(byPremium, req)
}

// FindByDelta starts a search for the contract whose delta is closest to
// req.Target. Broker greeks are used when the quote carries them; otherwise
// delta is computed from an implied vol backed out of the candidate's mid.
func (e *Engine) FindByDelta(req Request) (string, error) {
	return e.start(byDelta, req)
}

func (e *Engine) start(m mode, req Request) (string, error) {
	if req.Callback == nil {
		return "", fmt.Errorf("optsearch: callback required")
	}
	if req.StrikeStep <= 0 || req.StrikeRange <= 0 {
		return "", fmt.Errorf("optsearch: strike window misconfigured")
	}
	uq, ok := e.cache.Quote(req.Underlying)
	if !ok || !uq.Valid() {
		return "", fmt.Errorf("optsearch: no usable quote for %s", req.Underlying)
	}

	now := e.clk.Now()
	expiry := req.Expiry
	if expiry.IsZero() {
		y, mo, d := now.In(e.clk.Location()).Date()
		expiry = time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	}

	delay := req.SettleDelay
	if delay < minSettleDelay {
		delay = minSettleDelay
	}
	if delay > maxSettleDelay {
		delay = maxSettleDelay
	}

	id := fmt.Sprintf("optsearch-%d", e.seq.Add(1))
	s := &search{id: id, mode: m, req: req, expiry: expiry}

	// Walk from ATM out on the OTM side of the requested right.
	atm := util.SnapToStep(uq.Mid(), req.StrikeStep)
	dir := req.StrikeStep
	if req.Right == models.Put {
		dir = -req.StrikeStep
	}
	for i := 0; i <= req.StrikeRange; i++ {
		strike := atm + float64(i)*dir
		if strike <= 0 {
			break
		}
		sym := models.OptionSymbol(req.Root, expiry, req.Right, strike)
		s.candidates = append(s.candidates, sym)
		if err := e.client.RequestInstrument(sym); err != nil {
			e.logger.Warnf("%s: request %s: %v", id, sym, err)
		}
		if err := e.client.SubscribeQuotes(sym); err != nil {
			e.logger.Warnf("%s: subscribe %s: %v", id, sym, err)
		}
	}

	e.mu.Lock()
	e.searches[id] = s
	e.mu.Unlock()

	e.clk.SetAlert(id, now.Add(delay), func(time.Time) { e.settle(id) })
	e.logger.Infof("%s: %d candidates around %.2f, settling in %s",
		id, len(s.candidates), atm, delay)
	return id, nil
}

// Cancel tears a pending search down: the alert is dropped, every candidate
// subscription is released, and the callback is suppressed.
func (e *Engine) Cancel(searchID string) {
	e.mu.Lock()
	s, ok := e.searches[searchID]
	if ok {
		s.done = true
		delete(e.searches, searchID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.clk.Cancel(searchID)
	for _, sym := range s.candidates {
		_ = e.client.UnsubscribeQuotes(sym)
	}
	e.logger.Infof("%s: cancelled, %d subscriptions released", searchID, len(s.candidates))
}

func (e *Engine) settle(searchID string) {
	e.mu.Lock()
	s, ok := e.searches[searchID]
	if ok {
		s.done = true
		delete(e.searches, searchID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	type scored struct {
		sym   string
		quote models.Quote
		dist  float64
	}
	var best *scored
	for _, sym := range s.candidates {
		q, ok := e.cache.Quote(sym)
		if !ok || !q.Valid() {
			continue
		}
		if s.req.MaxSpread > 0 && q.Spread() > s.req.MaxSpread {
			continue
		}
		metric, ok := e.metric(s, sym, &q)
		if !ok {
			continue
		}
		dist := metric - s.req.Target
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < best.dist {
			best = &scored{sym: sym, quote: q, dist: dist}
		}
	}

	// Losers go first so their books stop ticking immediately.
	for _, sym := range s.candidates {
		if best != nil && sym == best.sym {
			continue
		}
		_ = e.client.UnsubscribeQuotes(sym)
	}

	if best == nil {
		e.logger.Warnf("%s: no candidate qualified", searchID)
		s.req.Callback(searchID, nil, nil)
		return
	}
	winner, ok := e.cache.Instrument(best.sym)
	if !ok {
		// Quote without an instrument definition should not happen; treat
		// the search as failed and release the last subscription too.
		_ = e.client.UnsubscribeQuotes(best.sym)
		s.req.Callback(searchID, nil, nil)
		return
	}
	e.logger.Infof("%s: winner %s (dist %.4f)", searchID, best.sym, best.dist)
	q := best.quote
	s.req.Callback(searchID, winner, &q)
}

// metric evaluates one candidate against the search target.
func (e *Engine) metric(s *search, sym string, q *models.Quote) (float64, bool) {
	if s.mode == byPremium {
		return q.Mid(), true
	}
	if q.HasGreeks {
		return q.Delta, true
	}
	_, _, right, strike, ok := models.ParseOptionSymbol(sym)
	if !ok {
		return 0, false
	}
	uq, ok := e.cache.Quote(s.req.Underlying)
	if !ok || !uq.Valid() {
		return 0, false
	}
	tYears := pricing.YearsUntil(e.clk.Now(), s.expiry)
	iv := pricing.ImpliedVol(q.Mid(), uq.Mid(), strike, tYears, 0, right)
	return pricing.Delta(uq.Mid(), strike, tYears, 0, iv, right), true
}
