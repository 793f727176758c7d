package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickTable_TickSize(t *testing.T) {
	table := DefaultTickTable()

	tests := []struct {
		symbol string
		price  float64
		tick   float64
		ok     bool
	}{
		{"SPX", 2.50, 0.05, true},
		{"SPX", 3.00, 0.05, true},
		{"SPX", 3.05, 0.10, true},
		{"spx", 10.0, 0.10, true},
		{"ES", 1.25, 0.05, true},
		{"ES", 15.0, 0.25, true},
		{"RUT", 4.0, 0.20, true},
		{"NDX", -6.0, 0.50, true},
		{"AAPL", 1.0, 0, false},
	}

	for _, tt := range tests {
		tick, ok := table.TickSize(tt.symbol, tt.price)
		assert.Equal(t, tt.ok, ok, "%s @ %.2f", tt.symbol, tt.price)
		assert.InDelta(t, tt.tick, tick, 1e-12, "%s @ %.2f", tt.symbol, tt.price)
	}
}

func TestTickTable_Round(t *testing.T) {
	table := DefaultTickTable()

	got, ok := table.Round("SPX", 12.37)
	assert.True(t, ok)
	assert.Equal(t, 12.4, got)

	got, ok = table.Round("SPX", 2.37)
	assert.True(t, ok)
	assert.Equal(t, 2.35, got)

	got, ok = table.Round("XYZ", 2.37)
	assert.False(t, ok)
	assert.Equal(t, 2.37, got)
}

func TestTickTable_Ceil(t *testing.T) {
	table := DefaultTickTable()

	got, ok := table.Ceil("SPX", 12.31)
	assert.True(t, ok)
	assert.Equal(t, 12.4, got)

	got, ok = table.Ceil("SPX", 2.35)
	assert.True(t, ok)
	assert.Equal(t, 2.35, got)

	got, ok = table.Ceil("XYZ", 2.37)
	assert.False(t, ok)
	assert.Equal(t, 2.37, got)
}

func TestTickTable_MidLessOneTick(t *testing.T) {
	table := DefaultTickTable()

	got, ok := table.MidLessOneTick("ES", 42.13)
	assert.True(t, ok)
	assert.Equal(t, 42.0, got)

	got, ok = table.MidLessOneTick("ES", 2.02)
	assert.True(t, ok)
	assert.Equal(t, 1.95, got)
}

func TestTickTable_Merge(t *testing.T) {
	custom := TickTable{"spx": {{TickSize: 0.01}}}
	merged := DefaultTickTable().Merge(custom)

	tick, ok := merged.TickSize("SPX", 50)
	assert.True(t, ok)
	assert.Equal(t, 0.01, tick)

	_, ok = merged.TickSize("ES", 1)
	assert.True(t, ok)
}
