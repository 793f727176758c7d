// Package journal fans order events out to external trade records and
// renders fill reports.
package journal

import (
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// Event topics.
const (
	TopicOrderSubmitted = "order:submitted"
	TopicOrderFilled    = "order:filled"
	TopicPositionClosed = "position:closed"
)

// Topics lists every topic published by the bot.
var Topics = []string{TopicOrderSubmitted, TopicOrderFilled, TopicPositionClosed}

// Event is the payload published on every topic.
type Event struct {
	Topic    string
	Position models.Position
	OrderID  string
	Price    float64
	Time     time.Time
}

// Summary is a one-line human description of the event.
func (e Event) Summary() string {
	p := e.Position
	switch e.Topic {
	case TopicOrderSubmitted:
		return fmt.Sprintf("%s %s x%d submitted (order %s, ref %.2f)", p.Strategy, p.Symbol, p.Quantity, e.OrderID, e.Price)
	case TopicOrderFilled:
		return fmt.Sprintf("%s %s x%d filled at %.2f", p.Strategy, p.Symbol, p.Quantity, e.Price)
	case TopicPositionClosed:
		return fmt.Sprintf("%s %s x%d closed at %.2f (%s), P&L %.2f", p.Strategy, p.Symbol, p.Quantity,
			e.Price, p.ExitReason, p.RealizedPnL)
	default:
		return fmt.Sprintf("%s %s %s", e.Topic, p.Strategy, p.Symbol)
	}
}

// Handler consumes journal events.
type Handler interface {
	HandleEvent(e Event)
}

// Bus wraps EventBus with typed subscriptions.
type Bus struct {
	bus    EventBus.Bus
	logger logrus.FieldLogger
}

// NewBus creates an event bus.
func NewBus(logger logrus.FieldLogger) *Bus {
	return &Bus{bus: EventBus.New(), logger: logging.OrDiscard(logger)}
}

// Publish sends args to every subscriber of topic.
func (b *Bus) Publish(topic string, args ...interface{}) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers fn asynchronously on topic.
func (b *Bus) Subscribe(topic string, fn func(Event)) error {
	if err := b.bus.SubscribeAsync(topic, fn, false); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	b.logger.WithField("topic", topic).Debug("Subscribed")
	return nil
}

// Attach subscribes h to topics, or to every topic when none are given.
func (b *Bus) Attach(h Handler, topics ...string) error {
	if len(topics) == 0 {
		topics = Topics
	}
	for _, t := range topics {
		if err := b.Subscribe(t, h.HandleEvent); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until async handlers have drained.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
