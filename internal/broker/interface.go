package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	// ErrNotAuthenticated is returned when the gateway session is not logged in.
	ErrNotAuthenticated = errors.New("gateway session not authenticated")
	// ErrContractNotFound is returned when a symbol cannot be resolved.
	ErrContractNotFound = errors.New("contract not found")
	// ErrNoChain is returned when no option contracts exist for a request.
	ErrNoChain = errors.New("no option chain available")
	// ErrOrderRejected is returned when the gateway refuses an order.
	ErrOrderRejected = errors.New("order rejected")
)

// Broker defines the interface for interacting with the trading gateway
type Broker interface {
	// Session
	CheckConnection(ctx context.Context) error

	// Contracts and market data
	ResolveUnderlying(ctx context.Context, symbol string, secType SecType, exchange string) (*Contract, error)
	GetQuote(ctx context.Context, underlying Contract) (*Quote, error)
	GetExpirations(ctx context.Context, underlying Contract, exchange string) ([]time.Time, error)
	GetOptionChain(ctx context.Context, req ChainRequest) ([]OptionQuote, error)

	// Orders
	PlaceComboOrder(ctx context.Context, order ComboOrder) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetExecutions(ctx context.Context, days int) ([]Execution, error)
}

// Connect checks the gateway session, retrying a fixed number of times with a
// fixed interval before giving up.
func Connect(ctx context.Context, b Broker, retries int, interval time.Duration, logger logrus.FieldLogger) error {
	if retries <= 0 {
		retries = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := b.CheckConnection(ctx)
		if err == nil {
			logger.WithField("attempt", attempt).Info("Connected to trading gateway")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt,
			"retries": retries,
		}).Warn("Gateway connection failed")

		if attempt == retries {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", retries, lastErr)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used in production.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings,
	logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Cancellation is the caller's choice, not a gateway fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerBroker) State() string {
	return c.breaker.State().String()
}

// CheckConnection wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CheckConnection(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CheckConnection(ctx)
	})
	return err
}

// ResolveUnderlying wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ResolveUnderlying(ctx context.Context, symbol string, secType SecType,
	exchange string) (*Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Contract, error) {
		return b.ResolveUnderlying(ctx, symbol, secType, exchange)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, underlying Contract) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, underlying)
	})
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, underlying Contract,
	exchange string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]time.Time, error) {
		return b.GetExpirations(ctx, underlying, exchange)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, req ChainRequest) ([]OptionQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionQuote, error) {
		return b.GetOptionChain(ctx, req)
	})
}

// PlaceComboOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceComboOrder(ctx context.Context, order ComboOrder) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceComboOrder(ctx, order)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositions(ctx)
	})
}

// GetExecutions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExecutions(ctx context.Context, days int) ([]Execution, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Execution, error) {
		return b.GetExecutions(ctx, days)
	})
}
