package main

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/storage"
	"github.com/eddiefleurent/double_calendar/internal/strategy"
)

const positionsFetchTimeout = 8 * time.Second

// recoveredTag marks recovery positions whose symbol no strategy trades.
const recoveredTag = "RECOVERED"

// Reconciler keeps stored positions in step with what the broker holds.
type Reconciler struct {
	broker        broker.Broker
	storage       storage.Interface
	config        *config.Config
	logger        logrus.FieldLogger
	coldStartOnce sync.Once
	now           func() time.Time

	// settle resolves the working order of a submitted or closing position
	// nobody is polling. Optional.
	settle func(ctx context.Context, pos *models.Position) bool
}

// NewReconciler creates a position reconciler.
func NewReconciler(b broker.Broker, store storage.Interface, cfg *config.Config, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		broker:  b,
		storage: store,
		config:  cfg,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
	}
}

// inventory is the broker's book with signed quantities still unclaimed.
type inventory struct {
	items     []broker.PositionItem
	remaining []float64
}

func newInventory(items []broker.PositionItem) *inventory {
	inv := &inventory{items: items, remaining: make([]float64, len(items))}
	for i, it := range items {
		if it.IsOption() {
			inv.remaining[i] = it.Quantity
		}
	}
	return inv
}

// claim removes pos's legs from the book. It reports whether every leg was
// available in full; a partial match claims nothing.
func (inv *inventory) claim(pos *models.Position) bool {
	if len(pos.Legs) == 0 || pos.Quantity <= 0 {
		return false
	}
	picks := make(map[int]float64, len(pos.Legs))
	for _, leg := range pos.Legs {
		want := float64(pos.Quantity * max(leg.Ratio, 1))
		if leg.Action == broker.ActionSell {
			want = -want
		}
		found := false
		for i, it := range inv.items {
			if !leg.Contract.SameOption(it.Contract) {
				continue
			}
			left := inv.remaining[i] - picks[i]
			if (want > 0 && left >= want) || (want < 0 && left <= want) {
				picks[i] += want
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, q := range picks {
		inv.remaining[i] -= q
	}
	return true
}

// leftovers returns the unclaimed option holdings.
func (inv *inventory) leftovers() []broker.PositionItem {
	var out []broker.PositionItem
	for i, q := range inv.remaining {
		if math.Abs(q) < 0.5 {
			continue
		}
		it := inv.items[i]
		it.Quantity = q
		out = append(out, it)
	}
	return out
}

// ReconcilePositions compares stored positions with the broker's book.
// An open position whose legs are gone is closed as reconciled, and
// unclaimed legs that form a double calendar become a recovery position.
// It returns the active positions after reconciliation.
func (r *Reconciler) ReconcilePositions(ctx context.Context) []models.Position {
	if r.settle != nil {
		for _, p := range r.storage.GetCurrentPositions() {
			pos := p
			if pos.State != models.StateSubmitted && pos.State != models.StateClosing {
				continue
			}
			if r.settle(ctx, &pos) {
				r.logger.WithField("position_id", shortID(pos.ID)).Info("Settled unattended order")
			}
		}
	}
	stored := r.storage.GetCurrentPositions()

	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	brokerPositions, err := r.broker.GetPositions(fetchCtx)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to get broker positions for reconciliation")
		return stored
	}

	r.logger.Debugf("Reconciling %d stored positions with %d broker positions",
		len(stored), len(brokerPositions))

	if len(stored) == 0 && len(brokerPositions) > 0 {
		r.coldStartOnce.Do(func() {
			r.logger.Warnf("COLD START DETECTED: no stored positions but %d broker positions exist", len(brokerPositions))
		})
	}

	inv := newInventory(brokerPositions)
	var active []models.Position

	// Positions with working orders are owned by their pollers.
	for i := range stored {
		pos := stored[i]
		if pos.State == models.StateSubmitted || pos.State == models.StateClosing {
			inv.claim(&pos)
			active = append(active, pos)
		}
	}

	for i := range stored {
		pos := stored[i]
		if pos.State != models.StateOpen {
			if pos.State != models.StateSubmitted && pos.State != models.StateClosing {
				active = append(active, pos)
			}
			continue
		}
		if inv.claim(&pos) {
			active = append(active, pos)
			continue
		}

		log := r.logger.WithFields(logrus.Fields{"position_id": shortID(pos.ID), "symbol": pos.Symbol})
		log.Warn("Position no longer held at broker, closing as reconciled")
		if err := r.storage.ClosePositionByID(pos.ID, 0, models.ExitReasonReconciled); err != nil {
			log.WithError(err).Error("Failed to close reconciled position")
			active = append(active, pos)
		}
	}

	for _, orphan := range findOrphanedCalendars(inv.leftovers()) {
		pos := r.createRecoveryPosition(orphan)
		if pos == nil {
			continue
		}
		log := r.logger.WithFields(logrus.Fields{"position_id": shortID(pos.ID), "symbol": pos.Symbol})
		if err := r.storage.AddPosition(pos); err != nil {
			log.WithError(err).Error("Failed to add recovery position")
			continue
		}
		log.Warnf("Recovered orphaned double calendar: %s/%s x%d",
			orphan.shortPut.Contract, orphan.shortCall.Contract, orphan.quantity)
		active = append(active, *pos)
	}

	return active
}

// orphanedCalendar is a double calendar found at the broker but not in storage.
type orphanedCalendar struct {
	symbol    string
	shortPut  broker.PositionItem
	shortCall broker.PositionItem
	longPut   broker.PositionItem
	longCall  broker.PositionItem
	quantity  int
}

// findOrphanedCalendars pairs leftover legs into double calendars: a short
// put and short call on one expiry, long put and long call on a later one.
func findOrphanedCalendars(items []broker.PositionItem) []orphanedCalendar {
	bySymbol := make(map[string][]broker.PositionItem)
	for _, it := range items {
		bySymbol[it.Symbol] = append(bySymbol[it.Symbol], it)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []orphanedCalendar
	for _, sym := range symbols {
		legs := bySymbol[sym]
		sort.Slice(legs, func(i, j int) bool {
			if legs[i].Expiry != legs[j].Expiry {
				return legs[i].Expiry < legs[j].Expiry
			}
			return legs[i].Strike < legs[j].Strike
		})

		for {
			c, ok := pairCalendar(sym, legs)
			if !ok {
				break
			}
			out = append(out, c)
			for _, leg := range []broker.PositionItem{c.shortPut, c.shortCall, c.longPut, c.longCall} {
				for i := range legs {
					if legs[i].SameOption(leg.Contract) {
						if legs[i].Quantity > 0 {
							legs[i].Quantity -= float64(c.quantity)
						} else {
							legs[i].Quantity += float64(c.quantity)
						}
					}
				}
			}
		}
	}
	return out
}

func pairCalendar(symbol string, legs []broker.PositionItem) (orphanedCalendar, bool) {
	pick := func(right broker.Right, short bool, expiry string, after bool) (broker.PositionItem, bool) {
		for _, l := range legs {
			if l.Right != right || math.Abs(l.Quantity) < 0.5 || (l.Quantity < 0) != short {
				continue
			}
			if expiry != "" && ((after && l.Expiry <= expiry) || (!after && l.Expiry != expiry)) {
				continue
			}
			return l, true
		}
		return broker.PositionItem{}, false
	}

	for _, sp := range legs {
		if sp.Right != broker.RightPut || sp.Quantity > -0.5 {
			continue
		}
		sc, ok := pick(broker.RightCall, true, sp.Expiry, false)
		if !ok {
			continue
		}
		lp, ok := pick(broker.RightPut, false, sp.Expiry, true)
		if !ok {
			continue
		}
		lc, ok := pick(broker.RightCall, false, lp.Expiry, false)
		if !ok {
			continue
		}
		qty := math.Min(math.Min(-sp.Quantity, -sc.Quantity), math.Min(lp.Quantity, lc.Quantity))
		return orphanedCalendar{
			symbol:    symbol,
			shortPut:  sp,
			shortCall: sc,
			longPut:   lp,
			longCall:  lc,
			quantity:  int(math.Round(qty)),
		}, true
	}
	return orphanedCalendar{}, false
}

// strategyFor returns the strategy trading symbol, if exactly one does.
func (r *Reconciler) strategyFor(symbol string) *config.StrategyConfig {
	if r.config == nil {
		return nil
	}
	var found *config.StrategyConfig
	for _, tag := range r.config.StrategyTags() {
		s, _ := r.config.Strategy(tag)
		for _, sym := range s.Symbols {
			if sym != symbol {
				continue
			}
			if found != nil {
				return nil
			}
			found = s
		}
	}
	return found
}

// createRecoveryPosition creates an open position for an orphaned calendar.
// The entry price is rebuilt from the broker's average costs.
func (r *Reconciler) createRecoveryPosition(orphan orphanedCalendar) *models.Position {
	loc := time.UTC
	if r.config != nil {
		loc = r.config.Location()
	}
	shortExp, err := calendar.ParseExpiry(orphan.shortPut.Expiry, loc)
	if err != nil {
		r.logger.WithError(err).Warn("Skipping orphan with bad expiry")
		return nil
	}
	longExp, err := calendar.ParseExpiry(orphan.longPut.Expiry, loc)
	if err != nil {
		r.logger.WithError(err).Warn("Skipping orphan with bad expiry")
		return nil
	}

	quote := func(p broker.PositionItem) broker.OptionQuote { return broker.OptionQuote{Contract: p.Contract} }
	legs := strategy.BuildDoubleCalendar(quote(orphan.shortPut), quote(orphan.shortCall),
		quote(orphan.longPut), quote(orphan.longCall))

	tag := recoveredTag
	autoClose := false
	secType := broker.UnderlyingSecType(orphan.shortPut.SecType)
	if s := r.strategyFor(orphan.symbol); s != nil {
		tag = s.Tag
		autoClose = s.AutoClose
		if p := s.Params[orphan.symbol]; p != nil && p.SecType != "" {
			secType = broker.SecType(p.SecType)
		}
	}

	pos := models.NewPosition(uuid.New().String(), tag, orphan.symbol, legs, shortExp, longExp, orphan.quantity)
	pos.SecType = secType
	pos.AutoClose = autoClose
	pos.EntryDate = r.now().UTC()
	if m, err := strconv.ParseFloat(orphan.shortPut.Multiplier, 64); err == nil && m > 0 {
		pos.Multiplier = m
	}
	// Broker average costs are per contract including the multiplier.
	pos.EntryPrice = (orphan.longPut.AvgCost + orphan.longCall.AvgCost -
		orphan.shortPut.AvgCost - orphan.shortCall.AvgCost) / pos.Multiplier
	pos.EntryLimitPrice = pos.EntryPrice

	if err := pos.TransitionState(models.StateOpen, models.ConditionRecoveredPosition); err != nil {
		r.logger.WithError(err).Error("Failed to set recovery position state")
		return nil
	}
	return pos
}
