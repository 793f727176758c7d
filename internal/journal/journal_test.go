package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

var day = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

func executions() []broker.Execution {
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	return []broker.Execution{
		{OrderID: "1", OrderRef: "DDC", Symbol: "SPX", SecType: broker.SecTypeBag, IsCombo: true, Price: 12.4, Time: at(14, 1)},
		{OrderID: "1", OrderRef: "DDC", Symbol: "SPX", Description: "SPX 20261019 5750P", Side: broker.ActionSell, Quantity: 1, Price: 3.1, Time: at(14, 0)},
		{OrderID: "1", OrderRef: "DDC", Symbol: "SPX", Description: "SPX 20261020 5750P", Side: broker.ActionBuy, Quantity: 1, Price: 9.3, Time: at(14, 0)},
		{OrderID: "2", OrderRef: "WDC", Symbol: "RUT", Description: "RUT 20261023 2250P", Side: broker.ActionBuy, Quantity: 1, Price: 4.0, Time: at(15, 0)},
		{OrderID: "3", OrderRef: "DDC", Symbol: "SPX", IsCombo: true, Price: 11, Time: day.Add(-time.Minute)},
		{OrderID: "4", OrderRef: "DDC", Symbol: "SPX", IsCombo: true, Price: 11, Time: day.Add(24 * time.Hour)},
	}
}

func TestParseTimeframe(t *testing.T) {
	now := time.Date(2026, 10, 18, 20, 30, 0, 0, time.UTC)

	d, err := ParseTimeframe("today", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseTimeframe("Yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseTimeframe("2026-10-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseTimeframe("last week", now)
	assert.Error(t, err)
}

func TestFillsReport_GroupsByOrderWithinDay(t *testing.T) {
	fills := FillsReport(executions(), day)
	require.Len(t, fills, 2)

	spx := fills[0]
	assert.Equal(t, "1", spx.OrderID)
	assert.True(t, spx.HasSummary)
	assert.InDelta(t, 12.4, spx.NetPrice, 1e-9)
	assert.Len(t, spx.Legs, 2)
	assert.Equal(t, day.Add(14*time.Hour), spx.Time)

	rut := fills[1]
	assert.False(t, rut.HasSummary, "leg-only fills have no combo summary")
	assert.Len(t, rut.Legs, 1)

	assert.Len(t, FilterByRef(fills, "ddc"), 1)
	assert.Len(t, FilterByRef(fills, ""), 2)
}

func TestExportFillsCSV(t *testing.T) {
	dir := t.TempDir()
	rows := Rows(FillsReport(executions(), day))
	require.Len(t, rows, 4)
	assert.Equal(t, "combo", rows[0].Kind)

	path, err := ExportFillsCSV(dir, day, rows)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "fills_2026-10-16.csv"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var back []*FillRow
	require.NoError(t, gocsv.UnmarshalFile(f, &back))
	require.Len(t, back, 4)
	assert.Equal(t, "SPX 20261019 5750P", back[1].Description)
	assert.InDelta(t, 9.3, back[2].Price, 1e-9)
}

type closeFailer struct {
	bytes.Buffer
	closed bool
}

func (c *closeFailer) Close() error {
	c.closed = true
	return errors.New("disk full")
}

func TestWriteFillsCSV_ReportsCloseError(t *testing.T) {
	out := &closeFailer{}
	err := writeFillsCSV(out, Rows(FillsReport(executions(), day)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, out.closed)
	assert.Contains(t, out.String(), "combo")
}

func TestRenderFills(t *testing.T) {
	var buf bytes.Buffer
	RenderFills(&buf, FillsReport(executions(), day))
	out := buf.String()
	assert.Contains(t, out, "12.40")
	assert.Contains(t, out, "SPX 20261020 5750P")
	assert.Contains(t, out, "(combo summary missing)")
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestBus_AttachAndPublish(t *testing.T) {
	bus := NewBus(nil)
	all := &recorder{}
	closes := &recorder{}
	require.NoError(t, bus.Attach(all))
	require.NoError(t, bus.Attach(closes, TopicPositionClosed))

	pos := models.Position{ID: "p1", Strategy: "DDC", Symbol: "SPX", Quantity: 1}
	bus.Publish(TopicOrderSubmitted, Event{Topic: TopicOrderSubmitted, Position: pos})
	bus.Publish(TopicPositionClosed, Event{Topic: TopicPositionClosed, Position: pos})
	bus.Wait()

	assert.Len(t, all.events, 2)
	require.Len(t, closes.events, 1)
	assert.Equal(t, "p1", closes.events[0].Position.ID)
}

func TestEvent_Summary(t *testing.T) {
	e := Event{Topic: TopicPositionClosed, Price: 14.5,
		Position: models.Position{Strategy: "DDC", Symbol: "SPX", Quantity: 2, ExitReason: "scheduled_close", RealizedPnL: 420}}
	assert.Equal(t, "DDC SPX x2 closed at 14.50 (scheduled_close), P&L 420.00", e.Summary())
}

func TestNotifier_Notify(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = map[string]string{
			"token": r.PostForm.Get("token"), "user": r.PostForm.Get("user"),
			"title": r.PostForm.Get("title"), "message": r.PostForm.Get("message"),
		}
		_, _ = io.WriteString(w, `{"status":1,"request":"abc"}`)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{Enabled: true, Token: "tok", User: "usr", URL: srv.URL}, nil)
	require.NoError(t, n.Notify(context.Background(), "DDC", "opened"))
	assert.Equal(t, map[string]string{"token": "tok", "user": "usr", "title": "DDC", "message": "opened"}, got)
}

func TestNotifier_RejectsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":0,"errors":["user key is invalid"]}`)
	}))
	defer srv.Close()

	n := NewNotifier(config.NotifyConfig{Token: "tok", User: "bad", URL: srv.URL}, nil)
	err := n.Notify(context.Background(), "DDC", "opened")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user key is invalid")
}

func TestSheetsRecorder_Record(t *testing.T) {
	var (
		path string
		body struct {
			Values [][]interface{} `json:"values"`
		}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"spreadsheetId":"sheet-1"}`)
	}))
	defer srv.Close()

	rec, err := newSheetsRecorder(context.Background(), config.JournalConfig{SpreadsheetID: "sheet-1"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	e := Event{Topic: TopicOrderFilled, OrderID: "42", Price: 12.4, Time: day,
		Position: models.Position{ID: "p1", Strategy: "DDC", Symbol: "SPX", Quantity: 1}}
	require.NoError(t, rec.Record(context.Background(), e))

	assert.Contains(t, path, "/spreadsheets/sheet-1/values/Trades:append")
	require.Len(t, body.Values, 1)
	assert.Equal(t, "order:filled", body.Values[0][1])
	assert.Equal(t, "42", body.Values[0][10])
}

func TestNewSheetsRecorder_RequiresCredentials(t *testing.T) {
	_, err := NewSheetsRecorder(context.Background(), config.JournalConfig{SpreadsheetID: "x"}, nil)
	assert.Error(t, err)
	_, err = NewSheetsRecorder(context.Background(), config.JournalConfig{}, nil)
	assert.Error(t, err)
	_, err = NewSheetsRecorder(context.Background(), config.JournalConfig{SpreadsheetID: "x", CredentialsBase64: "!!"}, nil)
	assert.Error(t, err)
}
