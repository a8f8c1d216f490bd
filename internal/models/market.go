package models

import (
	"fmt"
	"time"
)

// Quote is the last known bid/ask for an instrument. Only the most recent
// quote is retained in the snapshot cache.
type Quote struct {
	InstrumentID string    `json:"instrument_id"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	BidSize      float64   `json:"bid_size"`
	AskSize      float64   `json:"ask_size"`
	Ts           time.Time `json:"ts"`

	// Delta is the broker-reported greek when the feed supplies one.
	Delta     float64 `json:"delta,omitempty"`
	HasGreeks bool    `json:"has_greeks,omitempty"`
}

// Mid returns the quote midpoint.
func (q *Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Spread returns the bid/ask width.
func (q *Quote) Spread() float64 { return q.Ask - q.Bid }

// Valid reports whether both sides of the quote are usable.
func (q *Quote) Valid() bool { return q != nil && q.Bid > 0 && q.Ask > 0 }

// BarType keys a bar stream: one instrument at one aggregation interval.
type BarType struct {
	InstrumentID string        `json:"instrument_id"`
	Interval     time.Duration `json:"interval"`
}

// MinuteBars is the bar type for 1-minute bars on an instrument.
func MinuteBars(instrumentID string) BarType {
	return BarType{InstrumentID: instrumentID, Interval: time.Minute}
}

// DailyBars is the bar type for daily bars on an instrument.
func DailyBars(instrumentID string) BarType {
	return BarType{InstrumentID: instrumentID, Interval: 24 * time.Hour}
}

// String renders the bar type as a cache/subscription key, e.g. "SPX@1m".
func (bt BarType) String() string {
	switch {
	case bt.Interval >= 24*time.Hour:
		return fmt.Sprintf("%s@%dd", bt.InstrumentID, bt.Interval/(24*time.Hour))
	case bt.Interval >= time.Minute:
		return fmt.Sprintf("%s@%dm", bt.InstrumentID, bt.Interval/time.Minute)
	default:
		return fmt.Sprintf("%s@%ds", bt.InstrumentID, bt.Interval/time.Second)
	}
}

// Bar is one OHLCV aggregate. Ts is the bar close time.
type Bar struct {
	InstrumentID string        `json:"instrument_id"`
	Interval     time.Duration `json:"interval"`
	Open         float64       `json:"open"`
	High         float64       `json:"high"`
	Low          float64       `json:"low"`
	Close        float64       `json:"close"`
	Volume       float64       `json:"volume"`
	Ts           time.Time     `json:"ts"`
}

// Type returns the bar's stream key.
func (b *Bar) Type() BarType {
	return BarType{InstrumentID: b.InstrumentID, Interval: b.Interval}
}

// IsDaily reports whether the bar aggregates a full session.
func (b *Bar) IsDaily() bool { return b.Interval >= 24*time.Hour }
