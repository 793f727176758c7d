package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// PositionAudit compares the bot's book with the broker's.
type PositionAudit struct {
	Account   string                `json:"account"`
	Stored    []StoredSummary       `json:"stored"`
	Broker    []broker.PositionItem `json:"broker"`
	Untracked []broker.PositionItem `json:"untracked"`
	Missing   []string              `json:"missing"`
}

// StoredSummary is one stored position as shown by the audit.
type StoredSummary struct {
	ID          string  `json:"id"`
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	State       string  `json:"state"`
	Quantity    int     `json:"quantity"`
	PutStrike   float64 `json:"put_strike"`
	CallStrike  float64 `json:"call_strike"`
	ShortExpiry string  `json:"short_expiry"`
	LongExpiry  string  `json:"long_expiry"`
	EntryPrice  float64 `json:"entry_price"`
	Held        bool    `json:"held"`
}

// maskAccountID masks all but the last 4 characters of an account ID.
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// auditPositions matches stored positions against broker holdings.
func auditPositions(ctx context.Context, app *App) (*PositionAudit, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	items, err := app.broker.GetPositions(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker positions: %w", err)
	}

	audit := &PositionAudit{
		Account: maskAccountID(app.config.Gateway.AccountID),
		Broker:  items,
	}
	inv := newInventory(items)
	for _, p := range app.storage.GetCurrentPositions() {
		pos := p
		held := inv.claim(&pos)
		if !held && pos.State == models.StateOpen {
			audit.Missing = append(audit.Missing, pos.ID)
		}
		audit.Stored = append(audit.Stored, StoredSummary{
			ID:          pos.ID,
			Strategy:    pos.Strategy,
			Symbol:      pos.Symbol,
			State:       string(pos.State),
			Quantity:    pos.Quantity,
			PutStrike:   pos.Strike(broker.RightPut, broker.ActionSell),
			CallStrike:  pos.Strike(broker.RightCall, broker.ActionSell),
			ShortExpiry: calendar.FormatExpiry(pos.ShortExpiry),
			LongExpiry:  calendar.FormatExpiry(pos.LongExpiry),
			EntryPrice:  pos.EntryPrice,
			Held:        held,
		})
	}
	audit.Untracked = inv.leftovers()
	return audit, nil
}

func renderAudit(w io.Writer, audit *PositionAudit) {
	fmt.Fprintf(w, "Account %s: %d stored, %d broker holdings\n",
		audit.Account, len(audit.Stored), len(audit.Broker))

	stored := tablewriter.NewWriter(w)
	stored.SetHeader([]string{"ID", "Strategy", "Symbol", "State", "Qty", "Put", "Call", "Short", "Long", "Held"})
	for _, s := range audit.Stored {
		stored.Append([]string{
			shortID(s.ID), s.Strategy, s.Symbol, s.State, fmt.Sprint(s.Quantity),
			fmt.Sprintf("%g", s.PutStrike), fmt.Sprintf("%g", s.CallStrike),
			s.ShortExpiry, s.LongExpiry, fmt.Sprint(s.Held),
		})
	}
	stored.Render()

	if len(audit.Untracked) > 0 {
		fmt.Fprintln(w, "Untracked broker holdings:")
		untracked := tablewriter.NewWriter(w)
		untracked.SetHeader([]string{"Conid", "Contract", "Qty", "Avg cost"})
		for _, it := range audit.Untracked {
			untracked.Append([]string{fmt.Sprint(it.ConID), it.Contract.String(),
				fmt.Sprintf("%g", it.Quantity), fmt.Sprintf("%.2f", it.AvgCost)})
		}
		untracked.Render()
	}
	for _, id := range audit.Missing {
		fmt.Fprintf(w, "Position %s is open in storage but not held at the broker\n", shortID(id))
	}
}

func newPositionsCmd(opts *rootOptions) *cobra.Command {
	var jsonOut, reconcile bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Audit stored positions against the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			if reconcile {
				app.reconciler.ReconcilePositions(ctx)
			}
			audit, err := auditPositions(ctx, app)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(audit)
			}
			renderAudit(cmd.OutOrStdout(), audit)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the audit as JSON")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "reconcile storage with the broker before auditing")
	return cmd
}
