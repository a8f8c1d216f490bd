// Package clock provides the wall-clock and named-timer service used by the
// broker client, the option search engine, and the strategy runtime. Alerts
// fire at most once, periodics until cancelled; re-registering a name
// replaces the prior entry.
package clock

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is the timer capability handed to components. Callbacks run on the
// service's dispatch goroutines; callers that need single-threaded delivery
// re-route them onto their own mailbox.
type Service interface {
	// Now returns the current instant in UTC.
	Now() time.Time
	// SetAlert arms a one-shot timer. Firing in the past fires immediately.
	SetAlert(name string, at time.Time, fn func(now time.Time))
	// SetPeriodic arms a repeating timer with the given interval.
	SetPeriodic(name string, every time.Duration, fn func(now time.Time))
	// Cancel stops a named timer. Idempotent; unknown names are a no-op.
	Cancel(name string)
	// CancelAll stops every registered timer.
	CancelAll()
	// Location returns the timezone used for trading-calendar comparisons.
	Location() *time.Location
}

type entry struct {
	timer  *time.Timer  // one-shot
	ticker *time.Ticker // periodic
	stop   chan struct{}
}

// Clock is the live Service implementation backed by the runtime timers.
type Clock struct {
	mu     sync.Mutex
	timers map[string]*entry
	loc    *time.Location
	logger *logrus.Entry
}

// New builds a live clock. loc is the trading timezone (nil means UTC).
func New(loc *time.Location, logger *logrus.Logger) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{
		timers: make(map[string]*entry),
		loc:    loc,
		logger: logger.WithField("component", "clock"),
	}
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time { return time.Now().UTC() }

// Location returns the configured trading timezone.
func (c *Clock) Location() *time.Location { return c.loc }

// In converts an instant into the trading timezone.
func (c *Clock) In(t time.Time) time.Time { return t.In(c.loc) }

// Today returns the trading date (midnight, trading timezone).
func (c *Clock) Today() time.Time {
	now := time.Now().In(c.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
}

// SetAlert arms a one-shot timer firing at the given instant.
func (c *Clock) SetAlert(name string, at time.Time, fn func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.timers[name] == e {
			delete(c.timers, name)
		}
		c.mu.Unlock()
		fn(time.Now().UTC())
	})
	c.timers[name] = e
}

// SetPeriodic arms a repeating timer.
func (c *Clock) SetPeriodic(name string, every time.Duration, fn func(now time.Time)) {
	if every <= 0 {
		c.logger.Warnf("periodic %q with non-positive interval %v ignored", name, every)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)

	e := &entry{ticker: time.NewTicker(every), stop: make(chan struct{})}
	c.timers[name] = e
	go func() {
		for {
			select {
			case now := <-e.ticker.C:
				fn(now.UTC())
			case <-e.stop:
				return
			}
		}
	}()
}

// Cancel stops a named timer. Idempotent.
func (c *Clock) Cancel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(name)
}

// CancelAll stops every registered timer.
func (c *Clock) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.timers {
		c.cancelLocked(name)
	}
}

func (c *Clock) cancelLocked(name string) {
	e, ok := c.timers[name]
	if !ok {
		return
	}
	delete(c.timers, name)
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.ticker != nil {
		e.ticker.Stop()
		close(e.stop)
	}
}
