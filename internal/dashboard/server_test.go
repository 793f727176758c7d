package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/mock"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/storage"
)

var now = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func legs() []broker.ComboLeg {
	c := func(id int, strike float64, right broker.Right, exp string) broker.Contract {
		return broker.Contract{ConID: id, Symbol: "SPX", SecType: broker.SecTypeOption, Strike: strike, Right: right, Expiry: exp}
	}
	return []broker.ComboLeg{
		{Contract: c(1, 5850, broker.RightCall, "20261021"), Action: broker.ActionBuy, Ratio: 1},
		{Contract: c(2, 5850, broker.RightCall, "20261020"), Action: broker.ActionSell, Ratio: 1},
		{Contract: c(3, 5750, broker.RightPut, "20261021"), Action: broker.ActionBuy, Ratio: 1},
		{Contract: c(4, 5750, broker.RightPut, "20261020"), Action: broker.ActionSell, Ratio: 1},
	}
}

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()

	pos := models.NewPosition("open-1", "DDC", "SPX", legs(),
		time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 21, 0, 0, 0, 0, time.UTC), 2)
	require.NoError(t, pos.TransitionState(models.StateSubmitted, models.ConditionOrderPlaced))
	pos.EntryPrice = 5
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionOrderFilled))
	require.NoError(t, store.AddPosition(pos))

	store.AddHistoryPosition(models.Position{ID: "old-1", Strategy: "DDC", Symbol: "SPX", State: models.StateClosed,
		EntryDate: now.Add(-48 * time.Hour), ExitDate: now.Add(-24 * time.Hour), RealizedPnL: 150, ExitReason: "scheduled_close"})

	sim := mock.NewSimBroker(mock.Options{Now: func() time.Time { return now }})
	s := NewServer(Config{Port: 0, AuthToken: token}, store, sim, nil)
	s.now = func() time.Time { return now }
	return s, store
}

func get(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := get(t, s, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["gateway"])
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/positions", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/positions", map[string]string{"X-Auth-Token": "nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/positions", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/positions?token=secret", nil).Code)
}

func TestPositions(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := get(t, s, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "open-1", v.ID)
	assert.Equal(t, "open", v.State)
	assert.Equal(t, 5750.0, v.PutStrike)
	assert.Equal(t, 5850.0, v.CallStrike)
	assert.Equal(t, "20261020", v.ShortExpiry)
	assert.Equal(t, 1, v.ShortDTE)
	assert.InDelta(t, 1000, v.Cost, 1e-9)
}

func TestPositionByID(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := get(t, s, "/api/positions/open-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v PositionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "DDC", v.Strategy)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/positions/missing", nil).Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := get(t, s, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalTrades)
	assert.InDelta(t, 150, stats.TotalPnL, 1e-9)
	assert.Equal(t, 1, stats.CurrentOpen)
	assert.InDelta(t, 1000, stats.TotalAllocated, 1e-9)
}
