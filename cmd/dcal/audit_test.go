package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

func TestMaskAccountID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"typical account ID", "U1234567", "****4567"},
		{"exactly four", "1234", "1234"},
		{"shorter than four", "123", "123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskAccountID(tt.input))
		})
	}
}

func TestAuditPositions(t *testing.T) {
	app := newTestApp(t, testYAML)
	app.config.Gateway.AccountID = "DU9876543"

	openPosition(t, app.store, "tracked")
	openPosition(t, app.store, "missing")
	holdCalendar(app.sim, 1)
	app.sim.AddPosition(broker.PositionItem{Contract: option(9, 6000, broker.RightCall, "20261023"), Quantity: 2})

	audit, err := auditPositions(context.Background(), app.App)
	require.NoError(t, err)
	assert.Equal(t, "*****6543", audit.Account)
	require.Len(t, audit.Stored, 2)
	assert.True(t, audit.Stored[0].Held)
	assert.False(t, audit.Stored[1].Held)
	assert.Equal(t, []string{"missing"}, audit.Missing)
	require.Len(t, audit.Untracked, 1)
	assert.Equal(t, 9, audit.Untracked[0].ConID)

	var out bytes.Buffer
	renderAudit(&out, audit)
	assert.Contains(t, out.String(), "Untracked broker holdings")
	assert.Contains(t, out.String(), "missing")
}
