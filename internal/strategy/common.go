package strategy

import (
	"strings"
	"time"

	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/optsearch"
	"github.com/kestrade/orbweaver/internal/runtime"
)

// Strategy type names, as they appear in configuration.
const (
	TypeORBLongCall    = "orb_long_call"
	TypeORBLongPut     = "orb_long_put"
	TypeSPX15Range     = "spx_15min_range"
	TypeSPX1DTE        = "spx_1dte_bull_put"
	TypeSPXStreamer    = "spx_streamer"
	TypeIntervalTrader = "interval_trader"
	TypeScalper        = "scalper"
)

// ReasonIntervalExit closes an interval-trader position whose bracket never
// fired inside the hold window.
const ReasonIntervalExit = "INTERVAL_EXIT"

// exitReasonForClientID maps a bracket child's derived client id to its close
// reason. Anything else falls back to the core's stamped reason.
func exitReasonForClientID(c *runtime.Core, clientID string) string {
	switch {
	case strings.HasSuffix(clientID, ":sl"):
		return models.ReasonStopLoss
	case strings.HasSuffix(clientID, ":tp"):
		return models.ReasonTakeProfit
	}
	if r := c.ExitReason(); r != "" {
		return r
	}
	return models.ReasonManual
}

// withinSession reports whether now (strategy timezone) falls inside regular
// trading hours, bounded above by cutoffHour when it is non-zero.
func withinSession(now time.Time, loc *time.Location, cutoffHour int) bool {
	local := now.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
	if cutoffHour > 0 {
		cutoff := time.Date(local.Year(), local.Month(), local.Day(), cutoffHour, 0, 0, 0, loc)
		if cutoff.Before(close) {
			close = cutoff
		}
	}
	return !local.Before(open) && local.Before(close)
}

// premiumSearch launches a premium-target option search with the strategy's
// window parameters and re-enters the mailbox through the core.
func premiumSearch(c *runtime.Core, cfg searchParams, right models.Right, cb optsearch.Callback) (string, error) {
	return c.Search().FindByPremium(optsearch.Request{
		Underlying:  cfg.underlying,
		Root:        cfg.root,
		Target:      cfg.target,
		Right:       right,
		StrikeRange: cfg.strikeRange,
		StrikeStep:  cfg.strikeStep,
		MaxSpread:   cfg.maxSpread,
		SettleDelay: cfg.settle,
		Callback: func(searchID string, winner *models.Instrument, quote *models.Quote) {
			c.Enqueue(func() { cb(searchID, winner, quote) })
		},
	})
}

// searchParams carries the option-search window every entry strategy shares.
type searchParams struct {
	underlying  string
	root        string
	target      float64
	strikeRange int
	strikeStep  float64
	maxSpread   float64
	settle      time.Duration
}

func searchParamsFromConfig(cfg models.StrategyConfig) searchParams {
	return searchParams{
		underlying:  cfg.InstrumentID,
		root:        cfg.ParamString("option_root", "SPXW"),
		target:      cfg.ParamFloat("premium_target", 2.50),
		strikeRange: cfg.ParamInt("strike_range", 10),
		strikeStep:  cfg.ParamFloat("strike_step", 5),
		maxSpread:   cfg.ParamFloat("max_spread", 0.50),
		settle:      time.Duration(cfg.ParamInt("settle_seconds", 8)) * time.Second,
	}
}
