// Package models provides the market and trading data structures shared by
// the broker client, the strategy runtime, and the stores.
package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// AssetClass identifies what kind of contract an instrument is.
type AssetClass string

const (
	// AssetIndex is a cash index (SPX, NDX). Not directly tradable.
	AssetIndex AssetClass = "INDEX"
	// AssetFuture is a futures contract (ES, NQ).
	AssetFuture AssetClass = "FUTURE"
	// AssetOption is a listed option or a multi-leg option spread.
	AssetOption AssetClass = "OPTION"
)

// Right is the option right.
type Right string

const (
	// Call option right.
	Call Right = "CALL"
	// Put option right.
	Put Right = "PUT"
)

// Letter returns the single-character right code used in option symbols.
func (r Right) Letter() string {
	if r == Put {
		return "P"
	}
	return "C"
}

// SpreadLeg is one leg of a multi-leg option instrument. Ratio is signed:
// positive legs are bought, negative legs are sold.
type SpreadLeg struct {
	InstrumentID string `json:"instrument_id"`
	Ratio        int    `json:"ratio"`
}

// Instrument is the immutable description of a tradable contract. Instruments
// are loaded on demand from the broker and cached indefinitely.
type Instrument struct {
	ID         string     `json:"id"`
	Venue      string     `json:"venue,omitempty"`
	Class      AssetClass `json:"class"`
	TickSize   float64    `json:"tick_size"`
	QtyStep    float64    `json:"qty_step"`
	Multiplier float64    `json:"multiplier"`

	// Option fields; zero for other asset classes.
	Underlying string    `json:"underlying,omitempty"`
	Strike     float64   `json:"strike,omitempty"`
	Right      Right     `json:"right,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`

	// Legs is set only for spread instruments.
	Legs []SpreadLeg `json:"legs,omitempty"`
}

// IsOption reports whether the instrument is a single-leg option.
func (i *Instrument) IsOption() bool {
	return i.Class == AssetOption && len(i.Legs) == 0
}

// IsSpread reports whether the instrument is a multi-leg spread.
func (i *Instrument) IsSpread() bool {
	return i.Class == AssetOption && len(i.Legs) > 0
}

// NewOption builds an option instrument with the deterministic symbol for its
// root/expiry/right/strike. Tick and multiplier default to the standard US
// index-option values.
func NewOption(root string, expiry time.Time, right Right, strike float64) *Instrument {
	return &Instrument{
		ID:         OptionSymbol(root, expiry, right, strike),
		Class:      AssetOption,
		TickSize:   0.05,
		QtyStep:    1,
		Multiplier: 100,
		Underlying: root,
		Strike:     strike,
		Right:      right,
		Expiry:     expiry,
	}
}

// NewSpread builds the virtual instrument for a multi-leg spread. The ID is
// deterministic over the legs so that both the gateway and the strategies can
// derive it independently.
func NewSpread(legs []SpreadLeg) *Instrument {
	return &Instrument{
		ID:         SpreadSymbol(legs),
		Class:      AssetOption,
		TickSize:   0.05,
		QtyStep:    1,
		Multiplier: 100,
		Legs:       append([]SpreadLeg(nil), legs...),
	}
}

// OptionSymbol builds the deterministic option symbol
// root + YYMMDD + C|P + strike*1000 zero-padded to eight digits,
// e.g. SPXW260824C05005000.
func OptionSymbol(root string, expiry time.Time, right Right, strike float64) string {
	return fmt.Sprintf("%s%s%s%08d", root, expiry.Format("060102"), right.Letter(),
		int(math.Round(strike*1000)))
}

// ParseOptionSymbol splits a deterministic option symbol back into its parts.
// It reports ok=false for anything that does not match the format.
func ParseOptionSymbol(symbol string) (root string, expiry time.Time, right Right, strike float64, ok bool) {
	// Shortest possible: 1-char root + 6-digit date + right + 8-digit strike.
	if len(symbol) < 16 {
		return "", time.Time{}, "", 0, false
	}
	strikePart := symbol[len(symbol)-8:]
	raw, err := strconv.Atoi(strikePart)
	if err != nil {
		return "", time.Time{}, "", 0, false
	}
	switch symbol[len(symbol)-9] {
	case 'C':
		right = Call
	case 'P':
		right = Put
	default:
		return "", time.Time{}, "", 0, false
	}
	datePart := symbol[len(symbol)-15 : len(symbol)-9]
	expiry, err = time.ParseInLocation("060102", datePart, time.UTC)
	if err != nil {
		return "", time.Time{}, "", 0, false
	}
	root = symbol[:len(symbol)-15]
	if root == "" {
		return "", time.Time{}, "", 0, false
	}
	return root, expiry, right, float64(raw) / 1000, true
}

// SpreadSymbol builds the deterministic id for a spread from its legs, e.g.
// SPREAD:+1*SPXW260824C05010000&-1*SPXW260824C05005000.
func SpreadSymbol(legs []SpreadLeg) string {
	parts := make([]string, 0, len(legs))
	for _, leg := range legs {
		parts = append(parts, fmt.Sprintf("%+d*%s", leg.Ratio, leg.InstrumentID))
	}
	return "SPREAD:" + strings.Join(parts, "&")
}

// StrikeLabel renders a strike for trade-row display, e.g. 5005 CALL -> "5005C".
func StrikeLabel(strike float64, right Right) string {
	return strconv.FormatFloat(strike, 'f', -1, 64) + right.Letter()
}
