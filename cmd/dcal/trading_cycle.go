package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/strategy"
)

// TradingCycle opens and closes double calendars for configured strategies.
type TradingCycle struct {
	app *App
	// async hands fill polling to background goroutines instead of blocking.
	async bool
}

// NewTradingCycle creates a trading cycle over app.
func NewTradingCycle(app *App, async bool) *TradingCycle {
	return &TradingCycle{app: app, async: async}
}

func (tc *TradingCycle) poll(ctx context.Context, positionID, orderID string, isEntry bool) {
	if !tc.async {
		tc.app.orders.PollOrderStatus(ctx, positionID, orderID, isEntry)
		return
	}
	tc.app.pollers.Add(1)
	go func() {
		defer tc.app.pollers.Done()
		tc.app.orders.PollOrderStatus(ctx, positionID, orderID, isEntry)
	}()
}

// OpenStrategy opens one double calendar per symbol of strategy tag. An
// empty symbols list opens every configured symbol.
func (tc *TradingCycle) OpenStrategy(ctx context.Context, tag string, symbols []string, transmit bool) error {
	strat, err := tc.app.config.Strategy(tag)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		symbols = strat.Symbols
	}

	var errs []error
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := tc.openSymbol(ctx, tag, symbol, transmit); err != nil {
			tc.app.logger.WithError(err).WithFields(logrus.Fields{"strategy": tag, "symbol": symbol}).
				Error("Failed to open double calendar")
			errs = append(errs, fmt.Errorf("%s %s: %w", tag, symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (tc *TradingCycle) openSymbol(ctx context.Context, tag, symbol string, transmit bool) error {
	log := tc.app.logger.WithFields(logrus.Fields{"strategy": tag, "symbol": symbol})

	plan, err := tc.app.planner.Plan(ctx, tag, symbol)
	if err != nil {
		return err
	}

	held, err := tc.app.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load broker positions: %w", err)
	}
	if err := strategy.CheckCollision(plan, held); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"short_put":  plan.ShortPut.Strike,
		"short_call": plan.ShortCall.Strike,
		"short_exp":  calendar.FormatExpiry(plan.ShortExpiry),
		"long_exp":   calendar.FormatExpiry(plan.LongExpiry),
		"mid":        plan.Mid,
		"order_type": plan.OrderType,
	}).Info("Double calendar planned")

	pos, resp, err := tc.app.orders.Submit(ctx, plan, transmit)
	if err != nil {
		return err
	}
	if pos == nil {
		log.WithField("preview_id", resp.ID).Info("Entry previewed, not transmitted")
		for _, w := range resp.Warnings {
			log.Warn(w)
		}
		return nil
	}

	tc.poll(ctx, pos.ID, pos.EntryOrderID, true)
	return nil
}

// CloseStrategy closes the open positions of strategy tag. Unless force is
// set only positions due for their scheduled close are closed.
func (tc *TradingCycle) CloseStrategy(ctx context.Context, tag string, transmit, force bool) error {
	strat, err := tc.app.config.Strategy(tag)
	if err != nil {
		return err
	}
	now := tc.app.now().In(tc.app.config.Location())

	var errs []error
	for _, p := range tc.app.storage.GetOpenPositions() {
		pos := p
		if pos.Strategy != tag || !pos.CanClose() {
			continue
		}
		if !force && !dueForClose(&pos, strat, now) {
			continue
		}
		if err := tc.closePosition(ctx, &pos, transmit); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", shortID(pos.ID), err))
		}
	}
	return errors.Join(errs...)
}

func (tc *TradingCycle) closePosition(ctx context.Context, pos *models.Position, transmit bool) error {
	log := tc.app.logger.WithFields(logrus.Fields{"position_id": shortID(pos.ID), "symbol": pos.Symbol})

	resp, err := tc.app.closer.ClosePositionWithRetry(ctx, pos, transmit, models.ExitReasonScheduled)
	if err != nil {
		log.WithError(err).Error("Failed to close position")
		return err
	}
	if resp.Preview || !transmit {
		log.WithField("preview_id", resp.ID).Info("Close previewed, not transmitted")
		return nil
	}
	tc.poll(ctx, pos.ID, resp.ID, false)
	return nil
}

// dueForClose reports whether the scheduled close applies to pos today.
func dueForClose(pos *models.Position, strat *config.StrategyConfig, now time.Time) bool {
	if !strat.AutoClose || !pos.AutoClose {
		return false
	}
	return strat.CloseSameDay || pos.ShortExpiryReached(now)
}

// Scheduler drives daily opens and closes on trading days.
type Scheduler struct {
	app      *App
	cycle    *TradingCycle
	transmit bool

	lastOpen  string
	lastClose string
}

// NewScheduler creates a scheduler that submits with the given transmit flag.
func NewScheduler(app *App, transmit bool) *Scheduler {
	return &Scheduler{app: app, cycle: NewTradingCycle(app, true), transmit: transmit}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.app.config.GetCheckInterval()
	s.app.logger.WithField("interval", interval).Info("Scheduler started")

	s.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.app.logger.Info("Scheduler stopped")
			return nil
		case <-s.app.stop:
			s.app.logger.Info("Scheduler stopped")
			return nil
		}
	}
}

// Tick runs one scheduler pass at the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	cfg := s.app.config
	now := s.app.now().In(cfg.Location())
	if !calendar.IsTradingDay(now, cfg.Holidays()) {
		s.app.logger.Debug("Not a trading day, skipping tick")
		return
	}
	today := now.Format("2006-01-02")

	positions := s.app.reconciler.ReconcilePositions(ctx)
	s.app.logger.Debugf("Managing %d position(s)", len(positions))

	openClk, hasOpen := cfg.OpenClock()
	closeClk, hasClose := cfg.CloseClock()

	// With close_time after open_time both fall on the same day and opening
	// stops at the close. Otherwise positions are held overnight and closed
	// at the next morning's close_time.
	sameDay := hasOpen && hasClose && openClk.On(now).Before(closeClk.On(now))
	if hasOpen && s.lastOpen != today && !now.Before(openClk.On(now)) &&
		(!sameDay || now.Before(closeClk.On(now))) {
		s.lastOpen = today
		for _, tag := range cfg.StrategyTags() {
			if err := s.cycle.OpenStrategy(ctx, tag, nil, s.transmit); err != nil {
				s.app.logger.WithError(err).WithField("strategy", tag).Error("Scheduled open failed")
			}
		}
	}

	if hasClose && s.lastClose != today && !now.Before(closeClk.On(now)) {
		s.lastClose = today
		for _, tag := range cfg.StrategyTags() {
			if err := s.cycle.CloseStrategy(ctx, tag, s.transmit, false); err != nil {
				s.app.logger.WithError(err).WithField("strategy", tag).Error("Scheduled close failed")
			}
		}
	}
}
