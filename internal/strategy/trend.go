package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
)

const (
	dailyWindow  = 60
	minuteWindow = 30
)

// trendFilter keeps the rolling ES-futures windows behind the 1DTE entry
// gate. Daily bars drive the EMA/VWMA and the reclaim/two-day flags, minute
// closes drive the short SMA.
type trendFilter struct {
	DailyOpens   []float64 `json:"daily_opens"`
	DailyCloses  []float64 `json:"daily_closes"`
	DailyVolumes []float64 `json:"daily_volumes"`
	MinuteCloses []float64 `json:"minute_closes"`

	// Recomputed on every daily bar.
	ReclaimOK bool `json:"reclaim_ok"`
	TwoDayOK  bool `json:"two_day_ok"`
}

func newTrendFilter() *trendFilter { return &trendFilter{} }

func (tf *trendFilter) AddDailyBar(open, close, volume float64) {
	tf.DailyOpens = rollAppend(tf.DailyOpens, open, dailyWindow)
	tf.DailyCloses = rollAppend(tf.DailyCloses, close, dailyWindow)
	tf.DailyVolumes = rollAppend(tf.DailyVolumes, volume, dailyWindow)
	tf.recomputeGates()
}

func (tf *trendFilter) AddMinuteClose(close float64) {
	tf.MinuteCloses = rollAppend(tf.MinuteCloses, close, minuteWindow)
}

// EMA20 returns the 20-period EMA of daily closes, NaN-free only once enough
// history exists.
func (tf *trendFilter) EMA20() (float64, bool) {
	if len(tf.DailyCloses) < 20 {
		return 0, false
	}
	out := talib.Ema(tf.DailyCloses, 20)
	return out[len(out)-1], true
}

// VWMA14 is the volume-weighted moving average of the last 14 daily closes.
func (tf *trendFilter) VWMA14() (float64, bool) {
	n := len(tf.DailyCloses)
	if n < 14 || len(tf.DailyVolumes) != n {
		return 0, false
	}
	var pv, v float64
	for i := n - 14; i < n; i++ {
		pv += tf.DailyCloses[i] * tf.DailyVolumes[i]
		v += tf.DailyVolumes[i]
	}
	if v == 0 {
		return 0, false
	}
	return pv / v, true
}

// SMA10 is the 10-period SMA of 1-minute closes.
func (tf *trendFilter) SMA10() (float64, bool) {
	if len(tf.MinuteCloses) < 10 {
		return 0, false
	}
	out := talib.Sma(tf.MinuteCloses, 10)
	return out[len(out)-1], true
}

// Bullish reports whether price clears all three averages, with the failing
// check named for the log.
func (tf *trendFilter) Bullish(price float64) (bool, string) {
	ema, ok := tf.EMA20()
	if !ok {
		return false, "insufficient daily history for EMA20"
	}
	if price <= ema {
		return false, fmt.Sprintf("price %.2f <= EMA20 %.2f", price, ema)
	}
	vwma, ok := tf.VWMA14()
	if !ok {
		return false, "insufficient daily history for VWMA14"
	}
	if price <= vwma {
		return false, fmt.Sprintf("price %.2f <= VWMA14 %.2f", price, vwma)
	}
	sma, ok := tf.SMA10()
	if !ok {
		return false, "insufficient minute history for SMA10"
	}
	if price <= sma {
		return false, fmt.Sprintf("price %.2f <= SMA10 %.2f", price, sma)
	}
	return true, ""
}

// recomputeGates refreshes the optional confirmations from the daily window:
// strong reclaim wants yesterday closing green above the EMA, two-day wants
// the last two closes above it.
func (tf *trendFilter) recomputeGates() {
	tf.ReclaimOK = false
	tf.TwoDayOK = false
	ema, ok := tf.EMA20()
	if !ok {
		return
	}
	n := len(tf.DailyCloses)
	last := tf.DailyCloses[n-1]
	tf.ReclaimOK = last > ema && last > tf.DailyOpens[n-1]
	if n >= 2 {
		tf.TwoDayOK = last > ema && tf.DailyCloses[n-2] > ema
	}
}

func rollAppend(w []float64, v float64, max int) []float64 {
	w = append(w, v)
	if len(w) > max {
		w = w[len(w)-max:]
	}
	return w
}
