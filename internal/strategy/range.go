// Package strategy contains the trading strategies hosted by the runtime
// core: the opening-range breakout family, the SPX credit-spread entries, the
// order-path validators, and the SPX data streamer.
package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RangeEngine is the opening-range skeleton shared by every breakout
// strategy: it tracks the session's running high/low, freezes the opening
// range exactly once per day, and carries the one-entry-per-day latches.
type RangeEngine struct {
	StartHour    int `json:"start_hour"`
	StartMinute  int `json:"start_minute"`
	RangeMinutes int `json:"range_minutes"`

	// Day is the trading date (midnight, strategy timezone) the state below
	// belongs to.
	Day time.Time `json:"day"`

	DailyHigh float64 `json:"daily_high"`
	DailyLow  float64 `json:"daily_low"`
	HaveDaily bool    `json:"have_daily"`

	ORHigh          float64 `json:"or_high"`
	ORLow           float64 `json:"or_low"`
	RangeCalculated bool    `json:"range_calculated"`

	HighBreached        bool `json:"high_breached"`
	LowBreached         bool `json:"low_breached"`
	EntryAttemptedToday bool `json:"entry_attempted_today"`
	TradedToday         bool `json:"traded_today"`
}

// NewRangeEngine parses startTime ("HH:MM", strategy timezone).
func NewRangeEngine(startTime string, rangeMinutes int) (*RangeEngine, error) {
	parts := strings.SplitN(startTime, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("start_time %q: want HH:MM", startTime)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("start_time %q: bad hour", startTime)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("start_time %q: bad minute", startTime)
	}
	if rangeMinutes <= 0 {
		rangeMinutes = 15
	}
	return &RangeEngine{StartHour: hour, StartMinute: minute, RangeMinutes: rangeMinutes}, nil
}

// rangeEnd returns the freeze instant for the engine's current day.
func (r *RangeEngine) rangeEnd(loc *time.Location) time.Time {
	d := r.Day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), r.StartHour, r.StartMinute, 0, 0, loc).
		Add(time.Duration(r.RangeMinutes) * time.Minute)
}

// Observe feeds one price observation. It handles the daily reset, freezes
// the opening range when the window closes, and accumulates the running
// high/low. Reports whether a new trading day started.
func (r *RangeEngine) Observe(price float64, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	newDay := false
	if !day.Equal(r.Day) {
		r.resetDaily(day)
		newDay = true
	}

	// Freeze before accumulating: a price landing after the window closes
	// belongs to the session, not to the range.
	if !r.RangeCalculated && r.HaveDaily && !local.Before(r.rangeEnd(loc)) {
		r.ORHigh = r.DailyHigh
		r.ORLow = r.DailyLow
		r.RangeCalculated = true
	}

	if !r.HaveDaily {
		r.DailyHigh, r.DailyLow = price, price
		r.HaveDaily = true
	} else {
		if price > r.DailyHigh {
			r.DailyHigh = price
		}
		if price < r.DailyLow {
			r.DailyLow = price
		}
	}
	return newDay
}

func (r *RangeEngine) resetDaily(day time.Time) {
	r.Day = day
	r.HaveDaily = false
	r.DailyHigh, r.DailyLow = 0, 0
	r.ORHigh, r.ORLow = 0, 0
	r.RangeCalculated = false
	r.HighBreached = false
	r.LowBreached = false
	r.EntryAttemptedToday = false
	r.TradedToday = false
}

// NoteClose records breach flags for one minute close after the range froze.
// The returned booleans are true only on the first breach in each direction.
func (r *RangeEngine) NoteClose(close float64) (firstHighBreak, firstLowBreak bool) {
	if !r.RangeCalculated {
		return false, false
	}
	if close > r.ORHigh && !r.HighBreached {
		r.HighBreached = true
		firstHighBreak = true
	}
	if close < r.ORLow && !r.LowBreached {
		r.LowBreached = true
		firstLowBreak = true
	}
	return firstHighBreak, firstLowBreak
}
