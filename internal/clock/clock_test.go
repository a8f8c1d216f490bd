package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveAlertFiresOnce(t *testing.T) {
	c := New(time.UTC, logrus.New())
	defer c.CancelAll()

	var fired atomic.Int32
	c.SetAlert("t", c.Now().Add(10*time.Millisecond), func(time.Time) {
		fired.Add(1)
	})

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "alert must fire at most once")
}

func TestLiveCancelIdempotent(t *testing.T) {
	c := New(time.UTC, logrus.New())
	defer c.CancelAll()

	var fired atomic.Int32
	c.SetAlert("t", c.Now().Add(50*time.Millisecond), func(time.Time) { fired.Add(1) })
	c.Cancel("t")
	c.Cancel("t")
	c.Cancel("never-registered")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestLiveReregisterReplaces(t *testing.T) {
	c := New(time.UTC, logrus.New())
	defer c.CancelAll()

	var first, second atomic.Int32
	c.SetAlert("t", c.Now().Add(30*time.Millisecond), func(time.Time) { first.Add(1) })
	c.SetAlert("t", c.Now().Add(10*time.Millisecond), func(time.Time) { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced alert must not fire")
}

func TestLivePeriodicUntilCancel(t *testing.T) {
	c := New(time.UTC, logrus.New())
	defer c.CancelAll()

	var fired atomic.Int32
	c.SetPeriodic("p", 10*time.Millisecond, func(time.Time) { fired.Add(1) })
	assert.Eventually(t, func() bool { return fired.Load() >= 3 }, time.Second, 5*time.Millisecond)

	c.Cancel("p")
	n := fired.Load()
	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), n+1, "ticker should stop after cancel")
}

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	f := NewFake(start, time.UTC)

	var order []string
	f.SetAlert("b", start.Add(2*time.Second), func(time.Time) { order = append(order, "b") })
	f.SetAlert("a", start.Add(1*time.Second), func(time.Time) { order = append(order, "a") })
	f.SetPeriodic("p", 1500*time.Millisecond, func(time.Time) { order = append(order, "p") })

	f.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "p", "b", "p"}, order)
	assert.Equal(t, start.Add(3*time.Second), f.Now())
}

func TestFakeAlertCanChainTimers(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	f := NewFake(start, time.UTC)

	var chained bool
	f.SetAlert("first", start.Add(time.Second), func(now time.Time) {
		f.SetAlert("second", now.Add(time.Second), func(time.Time) { chained = true })
	})

	f.Advance(3 * time.Second)
	require.True(t, chained, "timer armed inside a callback must fire within the same Advance")
	assert.Equal(t, 0, f.Pending())
}

func TestFakeCancelSuppresses(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	f := NewFake(start, time.UTC)

	fired := false
	f.SetAlert("t", start.Add(time.Second), func(time.Time) { fired = true })
	f.Cancel("t")
	f.Advance(5 * time.Second)
	assert.False(t, fired)
}
