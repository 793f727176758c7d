// Package orders provides order management functionality for the trading bot.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/journal"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/storage"
	"github.com/eddiefleurent/double_calendar/internal/strategy"
	"github.com/eddiefleurent/double_calendar/internal/util"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 5 * time.Minute
	defaultCallTimeout  = 10 * time.Second
	fallbackTick        = 0.05
	fillEpsilon         = 1e-9
)

// ErrCannotClose is returned when a position is not in a closable state.
var ErrCannotClose = errors.New("position cannot be closed")

// Config contains configuration for the order manager
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultConfig returns default configuration values
func DefaultConfig() Config {
	return Config{
		PollInterval: defaultPollInterval,
		Timeout:      defaultTimeout,
		CallTimeout:  defaultCallTimeout,
	}
}

// Publisher receives order lifecycle events. EventBus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Manager handles order lifecycle management
type Manager struct {
	broker    broker.Broker
	storage   storage.Interface
	logger    logrus.FieldLogger
	stop      <-chan struct{}
	config    Config
	ticks     util.TickTable
	publisher Publisher
	now       func() time.Time

	mu      sync.Mutex
	polling map[string]struct{}
}

// NewManager creates a new order manager
func NewManager(
	brokerClient broker.Broker,
	storage storage.Interface,
	logger logrus.FieldLogger,
	stopChan <-chan struct{},
	config ...Config,
) *Manager {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = defaultPollInterval
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultTimeout
		}
		if cfg.CallTimeout <= 0 {
			cfg.CallTimeout = defaultCallTimeout
		}
	}

	return &Manager{
		broker:  brokerClient,
		storage: storage,
		logger:  logging.OrDiscard(logger),
		stop:    stopChan,
		config:  cfg,
		ticks:   util.DefaultTickTable(),
		now:     time.Now,
		polling: make(map[string]struct{}),
	}
}

// WithTicks sets the tick table used to round profit target prices.
func (m *Manager) WithTicks(t util.TickTable) *Manager {
	m.ticks = t
	return m
}

// WithPublisher sets the event sink for fills and closes.
func (m *Manager) WithPublisher(p Publisher) *Manager {
	m.publisher = p
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// ProfitTargetPrice returns the take-profit limit for a debit paid at entry,
// raised to the symbol's next tick so the target is never below pct.
func (m *Manager) ProfitTargetPrice(symbol string, entry, pct float64) float64 {
	target := entry * (1 + pct/100)
	if rounded, ok := m.ticks.Ceil(symbol, target); ok {
		return rounded
	}
	return util.CleanPrice(util.CeilToTick(target, fallbackTick))
}

// Submit places the entry order for plan. Previews return without creating
// a position; transmitted orders are persisted in the submitted state.
func (m *Manager) Submit(ctx context.Context, plan *strategy.CalendarPlan, transmit bool) (*models.Position, *broker.OrderResponse, error) {
	if plan == nil {
		return nil, nil, fmt.Errorf("nil plan")
	}
	order := plan.Order(transmit)
	ref := plan.ReferencePrice()
	if plan.ProfitTargetPct > 0 && !math.IsNaN(ref) && ref > 0 {
		target := m.ProfitTargetPrice(plan.Symbol, ref, plan.ProfitTargetPct)
		order.ProfitTarget = &target
	}
	order.ClientOrderID = uuid.NewString()

	log := m.logger.WithFields(logrus.Fields{
		"strategy": plan.Strategy,
		"symbol":   plan.Symbol,
		"transmit": transmit,
	})

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	resp, err := m.broker.PlaceComboOrder(callCtx, order)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("placing %s %s entry: %w", plan.Strategy, plan.Symbol, err)
	}
	if resp.Preview {
		log.WithFields(logrus.Fields{"order_id": resp.ID, "warnings": resp.Warnings}).
			Info("Entry order previewed, not transmitted")
		return nil, resp, nil
	}

	pos := models.NewPosition(uuid.NewString(), plan.Strategy, plan.Symbol, plan.Legs,
		plan.ShortExpiry, plan.LongExpiry, plan.Quantity)
	pos.SecType = plan.Underlying.SecType
	pos.Multiplier = plan.Multiplier
	pos.AutoClose = plan.AutoClose
	pos.EntryLimitPrice = ref
	pos.EntrySpot = plan.Spot
	pos.EntryOrderID = resp.ID
	if len(resp.ChildIDs) > 0 {
		pos.ProfitTargetOrderID = resp.ChildIDs[0]
	}
	if err := pos.TransitionState(models.StateSubmitted, models.ConditionOrderPlaced); err != nil {
		return nil, resp, err
	}
	if err := m.storage.AddPosition(pos); err != nil {
		return nil, resp, fmt.Errorf("saving position %s: %w", pos.ID, err)
	}

	log.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"order_id":    resp.ID,
		"status":      resp.Status,
	}).Info("Entry order submitted")
	m.publish(journal.TopicOrderSubmitted, pos, resp.ID, ref)
	return pos, resp, nil
}

// Close submits the market order that flattens pos. Previews leave the
// position untouched.
func (m *Manager) Close(ctx context.Context, pos *models.Position, transmit bool, reason string) (*broker.OrderResponse, error) {
	if pos == nil {
		return nil, fmt.Errorf("nil position")
	}
	if !pos.CanClose() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCannotClose, pos.ID, pos.State)
	}
	log := m.logger.WithFields(logrus.Fields{"position_id": pos.ID, "symbol": pos.Symbol, "reason": reason})

	order := strategy.BuildClose(pos, transmit)
	order.ClientOrderID = uuid.NewString()

	if transmit && pos.ProfitTargetOrderID != "" {
		m.cancelQuietly(ctx, pos.ProfitTargetOrderID, log)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	resp, err := m.broker.PlaceComboOrder(callCtx, order)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("placing close for %s: %w", pos.ID, err)
	}
	if resp.Preview {
		log.WithField("order_id", resp.ID).Info("Close order previewed, not transmitted")
		return resp, nil
	}

	pos.ExitOrderID = resp.ID
	pos.ExitReason = reason
	if err := pos.TransitionState(models.StateClosing, models.ConditionCloseSubmitted); err != nil {
		return resp, err
	}
	if err := m.storage.UpdatePosition(pos); err != nil {
		return resp, fmt.Errorf("saving position %s: %w", pos.ID, err)
	}
	log.WithFields(logrus.Fields{"order_id": resp.ID, "status": resp.Status}).Info("Close order submitted")
	return resp, nil
}

func (m *Manager) cancelQuietly(ctx context.Context, orderID string, log logrus.FieldLogger) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(callCtx, orderID); err != nil {
		log.WithError(err).WithField("order_id", orderID).Warn("Failed to cancel order")
	}
}

// PollOrderStatus polls until the order reaches a terminal state or times out.
func (m *Manager) PollOrderStatus(ctx context.Context, positionID, orderID string, isEntryOrder bool) {
	m.track(positionID)
	defer m.untrack(positionID)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	log := m.logger.WithFields(logrus.Fields{"position_id": positionID, "order_id": orderID})

	// check once before the first tick so already-filled orders settle immediately
	if m.checkOrder(ctx, positionID, orderID, isEntryOrder, log) {
		return
	}

	for {
		select {
		case <-m.stop:
			log.Info("Order polling stopped")
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn("Order polling timed out")
				m.handleOrderTimeout(positionID, orderID, isEntryOrder, log)
			}
			return
		case <-ticker.C:
			if m.checkOrder(ctx, positionID, orderID, isEntryOrder, log) {
				return
			}
		}
	}
}

func (m *Manager) track(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polling[positionID]; ok {
		return false
	}
	m.polling[positionID] = struct{}{}
	return true
}

func (m *Manager) untrack(positionID string) {
	m.mu.Lock()
	delete(m.polling, positionID)
	m.mu.Unlock()
}

// IsPolling reports whether an order poller currently owns the position.
func (m *Manager) IsPolling(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.polling[positionID]
	return ok
}

// Settle checks the working order of a submitted or closing position that no
// poller owns, such as one left behind by a restart or an entry timeout with
// an unreadable book. It reports whether the position changed state.
func (m *Manager) Settle(ctx context.Context, pos *models.Position) bool {
	var orderID string
	isEntry := false
	switch pos.State {
	case models.StateSubmitted:
		orderID, isEntry = pos.EntryOrderID, true
	case models.StateClosing:
		orderID = pos.ExitOrderID
	default:
		return false
	}
	if orderID == "" || !m.track(pos.ID) {
		return false
	}
	defer m.untrack(pos.ID)

	log := m.logger.WithFields(logrus.Fields{"position_id": pos.ID, "order_id": orderID})
	return m.checkOrder(ctx, pos.ID, orderID, isEntry, log)
}

// checkOrder reports whether polling is finished.
func (m *Manager) checkOrder(ctx context.Context, positionID, orderID string, isEntryOrder bool,
	log logrus.FieldLogger) bool {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	resp, err := m.broker.GetOrderStatus(callCtx, orderID)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Error checking order status")
		return false
	}

	switch {
	case isOrderCompletelyFilled(resp):
		log.WithField("avg_price", resp.AvgPrice).Info("Order filled")
		m.handleOrderFilled(positionID, resp, isEntryOrder, log)
		return true
	case broker.IsOrderTerminal(resp.Status):
		log.WithField("status", resp.Status).Warn("Order ended without a fill")
		m.handleOrderFailed(positionID, resp.Status, isEntryOrder, log)
		return true
	default:
		log.WithFields(logrus.Fields{"status": resp.Status, "filled": resp.Filled}).Debug("Order still working")
		return false
	}
}

// lookup loads the position an order belongs to. A position that already
// reached history was settled elsewhere and is skipped quietly.
func (m *Manager) lookup(positionID, what string, log logrus.FieldLogger) (*models.Position, bool) {
	pos, err := m.storage.GetPositionByID(positionID)
	if err == nil {
		return pos, true
	}
	if m.storage.HasInHistory(positionID) {
		log.Debugf("Position already closed, ignoring %s order", what)
		return nil, false
	}
	log.WithError(err).Errorf("Position not found for %s order", what)
	return nil, false
}

func (m *Manager) handleOrderFilled(positionID string, resp *broker.OrderResponse, isEntryOrder bool,
	log logrus.FieldLogger) {
	pos, ok := m.lookup(positionID, "filled", log)
	if !ok {
		return
	}

	price := resp.AvgPrice
	if isEntryOrder {
		if math.IsNaN(price) || price == 0 {
			price = pos.EntryLimitPrice
		}
		pos.EntryPrice = price
		if err := pos.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
			log.WithError(err).Error("Failed to open position")
			return
		}
		if err := m.storage.UpdatePosition(pos); err != nil {
			log.WithError(err).Error("Failed to save filled position")
			return
		}
		log.WithField("entry_price", price).Info("Position open")
		m.publish(journal.TopicOrderFilled, pos, resp.ID, price)
		return
	}

	if math.IsNaN(price) {
		price = 0
	}
	pos.ExitPrice = price
	if err := m.storage.UpdatePosition(pos); err != nil {
		log.WithError(err).Warn("Failed to record exit price")
	}
	if pos.ExitReason == "" {
		pos.ExitReason = models.ExitReasonScheduled
	}
	pnl := pos.PnL(price)
	if err := m.storage.ClosePositionByID(positionID, pnl, pos.ExitReason); err != nil {
		log.WithError(err).Error("Failed to close position")
		return
	}
	pos.RealizedPnL = pnl
	log.WithFields(logrus.Fields{"exit_price": price, "pnl": pnl}).Info("Position closed")
	m.publish(journal.TopicPositionClosed, pos, resp.ID, price)
}

func (m *Manager) handleOrderFailed(positionID, status string, isEntryOrder bool, log logrus.FieldLogger) {
	pos, ok := m.lookup(positionID, "failed", log)
	if !ok {
		return
	}

	if isEntryOrder {
		if err := pos.TransitionState(models.StateError, models.ConditionOrderFailed); err != nil {
			log.WithError(err).Error("Failed to mark position as errored")
			return
		}
	} else {
		pos.ExitOrderID = ""
		pos.ExitReason = ""
		if err := pos.TransitionState(models.StateOpen, models.ConditionCloseFailed); err != nil {
			log.WithError(err).Error("Failed to return position to open")
			return
		}
	}
	if err := m.storage.UpdatePosition(pos); err != nil {
		log.WithError(err).Error("Failed to save position after order failure")
		return
	}
	log.WithFields(logrus.Fields{"status": status, "state": pos.State}).Warn("Position updated after order failure")
}

// handleOrderTimeout runs after the poll context expired, so it uses a fresh context.
func (m *Manager) handleOrderTimeout(positionID, orderID string, isEntryOrder bool, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CallTimeout)
	defer cancel()

	pos, ok := m.lookup(positionID, "timed out", log)
	if !ok {
		return
	}

	held, err := m.legsHeld(ctx, pos)
	if err != nil {
		log.WithError(err).Warn("Could not verify broker positions after timeout")
	}

	if isEntryOrder && err != nil {
		// The order may have filled; reconciliation settles it once the book is readable.
		log.Warn("Entry order timed out with unknown fill state, position left submitted")
		return
	}

	if isEntryOrder {
		if held {
			if pos.EntryPrice == 0 {
				pos.EntryPrice = pos.EntryLimitPrice
			}
			if err := pos.TransitionState(models.StateOpen, models.ConditionOrderFilled); err != nil {
				log.WithError(err).Error("Failed to open position after timeout")
				return
			}
			if err := m.storage.UpdatePosition(pos); err != nil {
				log.WithError(err).Error("Failed to save position after timeout")
				return
			}
			log.Info("Entry legs found at broker after timeout, position open")
			m.publish(journal.TopicOrderFilled, pos, orderID, pos.EntryPrice)
			return
		}
		m.cancelQuietly(ctx, orderID, log)
		if err := m.storage.ClosePositionByID(positionID, 0, models.ExitReasonTimeout); err != nil {
			log.WithError(err).Error("Failed to close timed out position")
			return
		}
		log.Warn("Entry order timed out, position closed")
		return
	}

	if !held && err == nil {
		if pos.ExitReason == "" {
			pos.ExitReason = models.ExitReasonReconciled
		}
		if err := m.storage.ClosePositionByID(positionID, 0, pos.ExitReason); err != nil {
			log.WithError(err).Error("Failed to close position after exit timeout")
			return
		}
		log.Info("Legs flat at broker after exit timeout, position closed")
		m.publish(journal.TopicPositionClosed, pos, orderID, 0)
		return
	}

	m.cancelQuietly(ctx, orderID, log)
	pos.ExitOrderID = ""
	if err := pos.TransitionState(models.StateOpen, models.ConditionCloseFailed); err != nil {
		log.WithError(err).Error("Failed to return position to open after exit timeout")
		return
	}
	if err := m.storage.UpdatePosition(pos); err != nil {
		log.WithError(err).Error("Failed to save position after exit timeout")
		return
	}
	log.Warn("Exit order timed out, position returned to open")
}

// legsHeld reports whether every leg of pos is held at the broker with the expected sign.
func (m *Manager) legsHeld(ctx context.Context, pos *models.Position) (bool, error) {
	items, err := m.broker.GetPositions(ctx)
	if err != nil {
		return false, err
	}
	if len(pos.Legs) == 0 {
		return false, nil
	}
	for _, leg := range pos.Legs {
		found := false
		for _, item := range items {
			if !leg.Contract.SameOption(item.Contract) {
				continue
			}
			if (leg.Action == broker.ActionBuy && item.Quantity > 0) ||
				(leg.Action == broker.ActionSell && item.Quantity < 0) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// IsOrderTerminal checks if an order has reached a terminal state
func (m *Manager) IsOrderTerminal(ctx context.Context, orderID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	resp, err := m.broker.GetOrderStatus(callCtx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to get order status: %w", err)
	}
	return broker.IsOrderTerminal(resp.Status), nil
}

func isOrderCompletelyFilled(resp *broker.OrderResponse) bool {
	if resp == nil {
		return false
	}
	if broker.IsOrderFilled(resp.Status) {
		return true
	}
	return resp.Filled > 0 && resp.Remaining <= fillEpsilon && !broker.IsOrderTerminal(resp.Status)
}

func (m *Manager) publish(topic string, pos *models.Position, orderID string, price float64) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(topic, journal.Event{
		Topic:    topic,
		Position: *pos.Copy(),
		OrderID:  orderID,
		Price:    price,
		Time:     m.now(),
	})
}
