package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

// ParseTimeframe returns the UTC day selected by tf: today, yesterday or YYYY-MM-DD.
func ParseTimeframe(tf string, now time.Time) (time.Time, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch strings.ToLower(strings.TrimSpace(tf)) {
	case "", "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	}
	d, err := time.ParseInLocation("2006-01-02", tf, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timeframe %q: use today, yesterday or YYYY-MM-DD", tf)
	}
	return d, nil
}

// SpreadFill is one filled combo order with its legs.
type SpreadFill struct {
	OrderID  string
	OrderRef string
	Symbol   string
	Time     time.Time
	// NetPrice comes from the combo summary execution; HasSummary is false
	// when the gateway only reported leg fills.
	NetPrice   float64
	HasSummary bool
	Legs       []broker.Execution
}

// FillsReport groups executions in the 24h after since by order.
func FillsReport(executions []broker.Execution, since time.Time) []SpreadFill {
	end := since.Add(24 * time.Hour)
	byOrder := make(map[string]*SpreadFill)
	var order []string

	for _, e := range executions {
		if e.Time.Before(since) || !e.Time.Before(end) {
			continue
		}
		sf, ok := byOrder[e.OrderID]
		if !ok {
			sf = &SpreadFill{OrderID: e.OrderID, OrderRef: e.OrderRef, Symbol: e.Symbol, Time: e.Time}
			byOrder[e.OrderID] = sf
			order = append(order, e.OrderID)
		}
		if e.Time.Before(sf.Time) {
			sf.Time = e.Time
		}
		if sf.OrderRef == "" {
			sf.OrderRef = e.OrderRef
		}
		if e.IsCombo || e.SecType == broker.SecTypeBag {
			sf.NetPrice = e.Price
			sf.HasSummary = true
			sf.Symbol = e.Symbol
			continue
		}
		sf.Legs = append(sf.Legs, e)
	}

	out := make([]SpreadFill, 0, len(order))
	for _, id := range order {
		out = append(out, *byOrder[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// FilterByRef keeps fills whose order reference equals ref. An empty ref keeps all.
func FilterByRef(fills []SpreadFill, ref string) []SpreadFill {
	if ref == "" {
		return fills
	}
	var out []SpreadFill
	for _, f := range fills {
		if strings.EqualFold(f.OrderRef, ref) {
			out = append(out, f)
		}
	}
	return out
}

// FillRow is the flat CSV form of a fill.
type FillRow struct {
	Time        string  `csv:"time"`
	OrderID     string  `csv:"order_id"`
	OrderRef    string  `csv:"order_ref"`
	Kind        string  `csv:"kind"`
	Symbol      string  `csv:"symbol"`
	Description string  `csv:"description"`
	Side        string  `csv:"side"`
	Quantity    float64 `csv:"quantity"`
	Price       float64 `csv:"price"`
	Commission  float64 `csv:"commission"`
}

// Rows flattens fills into one combo row followed by its leg rows.
func Rows(fills []SpreadFill) []*FillRow {
	var rows []*FillRow
	for _, f := range fills {
		if f.HasSummary {
			rows = append(rows, &FillRow{
				Time:     f.Time.UTC().Format(time.RFC3339),
				OrderID:  f.OrderID,
				OrderRef: f.OrderRef,
				Kind:     "combo",
				Symbol:   f.Symbol,
				Price:    f.NetPrice,
			})
		}
		for _, l := range f.Legs {
			rows = append(rows, &FillRow{
				Time:        l.Time.UTC().Format(time.RFC3339),
				OrderID:     f.OrderID,
				OrderRef:    f.OrderRef,
				Kind:        "leg",
				Symbol:      l.Symbol,
				Description: l.Description,
				Side:        string(l.Side),
				Quantity:    l.Quantity,
				Price:       l.Price,
				Commission:  l.Commission,
			})
		}
	}
	return rows
}

// ExportFillsCSV writes rows to fills_<date>.csv under dir and returns the path.
func ExportFillsCSV(dir string, day time.Time, rows []*FillRow) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("fills_%s.csv", day.Format("2006-01-02")))
	file, err := os.Create(path) // #nosec G304 -- operator-chosen export dir
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if err := writeFillsCSV(file, rows); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// writeFillsCSV marshals rows into out and closes it; a failed close is an error.
func writeFillsCSV(out io.WriteCloser, rows []*FillRow) (err error) {
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if rows == nil {
		rows = []*FillRow{}
	}
	return gocsv.Marshal(&rows, out)
}

// RenderFills prints fills as a table.
func RenderFills(w io.Writer, fills []SpreadFill) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Time", "Order", "Ref", "Symbol", "Side", "Leg", "Qty", "Price"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, f := range fills {
		net := "(combo summary missing)"
		if f.HasSummary {
			net = fmt.Sprintf("%.2f", f.NetPrice)
		}
		table.Append([]string{f.Time.UTC().Format("15:04:05"), f.OrderID, f.OrderRef, f.Symbol, "", "net", "", net})
		for _, l := range f.Legs {
			table.Append([]string{"", "", "", "", string(l.Side), l.Description,
				fmt.Sprintf("%g", l.Quantity), fmt.Sprintf("%.2f", l.Price)})
		}
	}
	table.Render()
}
