package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Service for tests. Time only moves when Advance or
// SetTime is called; due timers fire synchronously on the advancing
// goroutine, in chronological order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	loc     *time.Location
	alerts  map[string]*fakeAlert
	ticks   map[string]*fakeTick
	counter int
}

type fakeAlert struct {
	at  time.Time
	fn  func(time.Time)
	seq int
}

type fakeTick struct {
	next  time.Time
	every time.Duration
	fn    func(time.Time)
	seq   int
}

// NewFake builds a fake clock pinned at start.
func NewFake(start time.Time, loc *time.Location) *Fake {
	if loc == nil {
		loc = time.UTC
	}
	return &Fake{
		now:    start.UTC(),
		loc:    loc,
		alerts: make(map[string]*fakeAlert),
		ticks:  make(map[string]*fakeTick),
	}
}

// Now returns the pinned instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Location returns the trading timezone.
func (f *Fake) Location() *time.Location { return f.loc }

// SetAlert registers a one-shot timer; it fires on the next Advance that
// reaches its deadline.
func (f *Fake) SetAlert(name string, at time.Time, fn func(time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	f.alerts[name] = &fakeAlert{at: at.UTC(), fn: fn, seq: f.counter}
}

// SetPeriodic registers a repeating timer.
func (f *Fake) SetPeriodic(name string, every time.Duration, fn func(time.Time)) {
	if every <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	f.ticks[name] = &fakeTick{next: f.now.Add(every), every: every, fn: fn, seq: f.counter}
}

// Cancel removes a named timer.
func (f *Fake) Cancel(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alerts, name)
	delete(f.ticks, name)
}

// CancelAll removes every timer.
func (f *Fake) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = make(map[string]*fakeAlert)
	f.ticks = make(map[string]*fakeTick)
}

// Pending reports how many timers are registered.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts) + len(f.ticks)
}

// Advance moves the clock forward and fires every timer that comes due, in
// chronological order. Callbacks run synchronously on the caller's goroutine
// and may register new timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.SetTime(target)
}

// SetTime jumps the clock to the given instant, firing due timers on the way.
func (f *Fake) SetTime(target time.Time) {
	target = target.UTC()
	for {
		fired := f.fireNextDue(target)
		if !fired {
			break
		}
	}
	f.mu.Lock()
	if target.After(f.now) {
		f.now = target
	}
	f.mu.Unlock()
}

type due struct {
	name     string
	at       time.Time
	fn       func(time.Time)
	seq      int
	periodic bool
}

func (f *Fake) fireNextDue(target time.Time) bool {
	f.mu.Lock()
	var dues []due
	for name, a := range f.alerts {
		if !a.at.After(target) {
			dues = append(dues, due{name: name, at: a.at, fn: a.fn, seq: a.seq})
		}
	}
	for name, tk := range f.ticks {
		if !tk.next.After(target) {
			dues = append(dues, due{name: name, at: tk.next, fn: tk.fn, seq: tk.seq, periodic: true})
		}
	}
	if len(dues) == 0 {
		f.mu.Unlock()
		return false
	}
	sort.Slice(dues, func(i, j int) bool {
		if !dues[i].at.Equal(dues[j].at) {
			return dues[i].at.Before(dues[j].at)
		}
		return dues[i].seq < dues[j].seq
	})
	next := dues[0]
	if next.at.After(f.now) {
		f.now = next.at
	}
	if next.periodic {
		f.ticks[next.name].next = next.at.Add(f.ticks[next.name].every)
	} else {
		delete(f.alerts, next.name)
	}
	now := f.now
	f.mu.Unlock()

	next.fn(now)
	return true
}
