// Command dcal opens and closes double calendar option spreads through the
// broker's local trading gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/dashboard"
	"github.com/eddiefleurent/double_calendar/internal/journal"
	"github.com/eddiefleurent/double_calendar/internal/strategy"
)

// maxExecutionDays is how far back the gateway reports executions.
const maxExecutionDays = 7

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	root := &cobra.Command{
		Use:           "dcal",
		Short:         "Double calendar options bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override environment.log_level")

	root.AddCommand(
		newOpenCmd(&opts),
		newCloseCmd(&opts),
		newStrikesCmd(&opts),
		newFillsCmd(&opts),
		newRunCmd(&opts),
		newPositionsCmd(&opts),
	)
	return root
}

// setup builds the app, connects to the gateway and ties shutdown to
// SIGINT/SIGTERM.
func setup(cmd *cobra.Command, opts *rootOptions) (*App, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	app, err := newApp(ctx, *opts)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			app.logger.Info("Shutdown signal received, stopping...")
			app.stopOnce.Do(func() { close(app.stop) })
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := app.connect(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return app, ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}, nil
}

func newOpenCmd(opts *rootOptions) *cobra.Command {
	var (
		tag    string
		symbol string
		live   bool
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a double calendar for a strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			transmit := app.transmit(live)
			if err := app.warnIfLive(ctx, transmit, liveWarningDelay); err != nil {
				return err
			}
			var symbols []string
			if symbol != "" {
				symbols = []string{symbol}
			}
			return NewTradingCycle(app, false).OpenStrategy(ctx, tag, symbols, transmit)
		},
	}
	cmd.Flags().StringVar(&tag, "strategy", "", "strategy tag")
	cmd.Flags().StringVar(&symbol, "symbol", "", "single symbol to open (default all of the strategy's symbols)")
	cmd.Flags().BoolVar(&live, "live", false, "transmit orders regardless of environment.mode")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newCloseCmd(opts *rootOptions) *cobra.Command {
	var (
		tag  string
		live bool
	)
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close every open position of a strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			transmit := app.transmit(live)
			if err := app.warnIfLive(ctx, transmit, liveWarningDelay); err != nil {
				return err
			}
			return NewTradingCycle(app, false).CloseStrategy(ctx, tag, transmit, true)
		},
	}
	cmd.Flags().StringVar(&tag, "strategy", "", "strategy tag")
	cmd.Flags().BoolVar(&live, "live", false, "transmit orders regardless of environment.mode")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newStrikesCmd(opts *rootOptions) *cobra.Command {
	var tag, symbol string
	cmd := &cobra.Command{
		Use:   "strikes",
		Short: "Show the double calendar the strategy would open now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			plan, err := app.planner.Plan(ctx, tag, symbol)
			if err != nil {
				return err
			}
			renderPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "strategy", "", "strategy tag")
	cmd.Flags().StringVar(&symbol, "symbol", "", "underlying symbol")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func newFillsCmd(opts *rootOptions) *cobra.Command {
	var timeframe, csvDir, tag string
	cmd := &cobra.Command{
		Use:   "fills",
		Short: "Report combo fills for a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			if csvDir == "" {
				csvDir = app.config.Journal.CSVDir
			}
			return reportFills(ctx, app, cmd.OutOrStdout(), timeframe, tag, csvDir)
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "today", "today, yesterday or YYYY-MM-DD")
	cmd.Flags().StringVar(&csvDir, "csv", "", "directory to write a CSV export to")
	cmd.Flags().StringVar(&tag, "strategy", "", "only fills with this order reference")
	return cmd
}

func reportFills(ctx context.Context, app *App, w io.Writer, timeframe, tag, csvDir string) error {
	now := app.now()
	since, err := journal.ParseTimeframe(timeframe, now)
	if err != nil {
		return err
	}
	days := int(now.Sub(since).Hours()/24) + 1
	if days > maxExecutionDays {
		return fmt.Errorf("timeframe %s is older than the gateway's %d day execution history", timeframe, maxExecutionDays)
	}
	if days < 1 {
		days = 1
	}

	execs, err := app.broker.GetExecutions(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to load executions: %w", err)
	}
	fills := journal.FillsReport(execs, since)
	if tag != "" {
		fills = journal.FilterByRef(fills, tag)
	}
	journal.RenderFills(w, fills)

	if csvDir != "" {
		path, err := journal.ExportFillsCSV(csvDir, since, journal.Rows(fills))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "CSV written to %s\n", path)
	}
	return nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily open/close scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, ctx, done, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer done()
			defer app.Shutdown()

			app.logger.Infof("Starting double calendar bot in %s mode", app.config.Environment.Mode)
			transmit := app.transmit(live)
			if err := app.warnIfLive(ctx, transmit, liveWarningDelay); err != nil {
				return err
			}

			if app.config.Dashboard.Enabled {
				srv := dashboard.NewServer(dashboard.Config{
					Port:      app.config.Dashboard.Port,
					AuthToken: app.config.Dashboard.AuthToken,
				}, app.storage, app.broker, app.logger)
				go func() {
					if err := srv.Start(); err != nil {
						app.logger.WithError(err).Error("Dashboard server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						app.logger.WithError(err).Warn("Dashboard shutdown failed")
					}
				}()
			}

			if err := NewScheduler(app, transmit).Run(ctx); err != nil {
				return err
			}
			app.logger.Info("Bot stopped successfully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "transmit orders regardless of environment.mode")
	return cmd
}

// renderPlan prints the selected legs of plan as a table.
func renderPlan(w io.Writer, plan *strategy.CalendarPlan) {
	fmt.Fprintf(w, "%s %s spot %.2f  short %s  long %s\n", plan.Strategy, plan.Symbol, plan.Spot,
		calendar.FormatExpiry(plan.ShortExpiry), calendar.FormatExpiry(plan.LongExpiry))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Leg", "Expiry", "Strike", "Right", "Bid", "Ask", "Delta", "IV"})
	legs := []struct {
		name string
		q    broker.OptionQuote
	}{
		{"short put", plan.ShortPut},
		{"short call", plan.ShortCall},
		{"long put", plan.LongPut},
		{"long call", plan.LongCall},
	}
	for _, leg := range legs {
		table.Append([]string{
			leg.name,
			leg.q.Expiry,
			strconv.FormatFloat(leg.q.Strike, 'f', -1, 64),
			string(leg.q.Right),
			fmt.Sprintf("%.2f", leg.q.Bid),
			fmt.Sprintf("%.2f", leg.q.Ask),
			fmt.Sprintf("%.3f", leg.q.Delta),
			fmt.Sprintf("%.1f%%", leg.q.IV*100),
		})
	}
	table.Render()

	fmt.Fprintf(w, "combo bid %.2f  mid %.2f  ask %.2f  %s", plan.Bid, plan.Mid, plan.Ask, plan.OrderType)
	if plan.LimitPrice > 0 {
		fmt.Fprintf(w, " @ %.2f", plan.LimitPrice)
	}
	fmt.Fprintln(w)
}
