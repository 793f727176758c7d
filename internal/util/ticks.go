package util

import (
	"math"
	"strings"
)

// TickThreshold is one price band of an instrument's minimum tick schedule.
// A MaxPrice of zero means the band has no upper bound.
type TickThreshold struct {
	MaxPrice  float64 `yaml:"max_price"`
	TickSize  float64 `yaml:"tick_size"`
	TickValue float64 `yaml:"tick_value"`
}

// TickTable maps an underlying symbol to its ordered tick bands.
type TickTable map[string][]TickThreshold

// DefaultTickTable returns the exchange tick schedules for the traded underlyings.
func DefaultTickTable() TickTable {
	return TickTable{
		"ES": {
			{MaxPrice: 3.00, TickSize: 0.05, TickValue: 2.50},
			{TickSize: 0.25, TickValue: 12.50},
		},
		"NQ": {
			{MaxPrice: 5.00, TickSize: 0.25, TickValue: 5.00},
			{TickSize: 0.50, TickValue: 10.00},
		},
		"RTY": {
			{MaxPrice: 3.00, TickSize: 0.10, TickValue: 5.00},
			{TickSize: 0.50, TickValue: 25.00},
		},
		"SPX": {
			{MaxPrice: 3.00, TickSize: 0.05, TickValue: 5.00},
			{TickSize: 0.10, TickValue: 10.00},
		},
		"NDX": {
			{MaxPrice: 5.00, TickSize: 0.25, TickValue: 25.00},
			{TickSize: 0.50, TickValue: 50.00},
		},
		"RUT": {
			{MaxPrice: 3.00, TickSize: 0.10, TickValue: 10.00},
			{TickSize: 0.20, TickValue: 20.00},
		},
	}
}

// Merge returns a copy of t with the bands of other replacing same-symbol entries.
func (t TickTable) Merge(other TickTable) TickTable {
	out := make(TickTable, len(t)+len(other))
	for sym, bands := range t {
		out[strings.ToUpper(sym)] = bands
	}
	for sym, bands := range other {
		out[strings.ToUpper(sym)] = bands
	}
	return out
}

// TickSize returns the minimum tick for symbol at the given price.
// Combo prices can be negative, so the band is chosen by absolute price.
func (t TickTable) TickSize(symbol string, price float64) (float64, bool) {
	bands, ok := t[strings.ToUpper(symbol)]
	if !ok {
		return 0, false
	}
	p := math.Abs(price)
	for _, b := range bands {
		if b.TickSize <= 0 {
			continue
		}
		if b.MaxPrice == 0 || p <= b.MaxPrice {
			return b.TickSize, true
		}
	}
	return 0, false
}

// Round snaps price to the symbol's tick. Unknown symbols return price unchanged.
func (t TickTable) Round(symbol string, price float64) (float64, bool) {
	tick, ok := t.TickSize(symbol, price)
	if !ok {
		return price, false
	}
	return CleanPrice(RoundToTick(price, tick)), true
}

// Ceil snaps price up to the symbol's tick. Unknown symbols return price unchanged.
func (t TickTable) Ceil(symbol string, price float64) (float64, bool) {
	tick, ok := t.TickSize(symbol, price)
	if !ok {
		return price, false
	}
	return CleanPrice(CeilToTick(price, tick)), true
}

// MidLessOneTick rounds mid to the symbol's tick and then backs off one tick,
// which is how futures calendars are worked as limit orders.
func (t TickTable) MidLessOneTick(symbol string, mid float64) (float64, bool) {
	tick, ok := t.TickSize(symbol, mid)
	if !ok {
		return mid, false
	}
	rounded, _ := t.Round(symbol, mid)
	return CleanPrice(rounded - tick), true
}
