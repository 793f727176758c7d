// Package retry re-submits closing orders that fail for transient reasons.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when NewClient gets no config.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Closer submits a closing order for a position. orders.Manager satisfies it.
type Closer interface {
	Close(ctx context.Context, pos *models.Position, transmit bool, reason string) (*broker.OrderResponse, error)
}

// Client wraps a Closer with bounded retries.
type Client struct {
	closer Closer
	logger logrus.FieldLogger
	config Config
}

// NewClient creates a retrying close client.
func NewClient(closer Closer, logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = 0
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = DefaultConfig.InitialBackoff
		}
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig.Timeout
		}
	}

	return &Client{
		closer: closer,
		logger: logging.OrDiscard(logger),
		config: cfg,
	}
}

// ClosePositionWithRetry submits the close, retrying transient failures with
// exponential backoff and jitter.
func (c *Client) ClosePositionWithRetry(
	ctx context.Context,
	position *models.Position,
	transmit bool,
	reason string,
) (*broker.OrderResponse, error) {
	if position == nil {
		return nil, fmt.Errorf("position is nil")
	}
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{"position_id": position.ID, "symbol": position.Symbol})
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		if closeCtx.Err() != nil {
			return nil, fmt.Errorf("close operation timed out after %v: %w", c.config.Timeout, closeCtx.Err())
		}

		log.Infof("Close attempt %d/%d", attempt+1, c.config.MaxRetries+1)

		resp, err := c.closer.Close(closeCtx, position, transmit, reason)
		if err == nil {
			log.WithField("order_id", resp.ID).Infof("Close order placed on attempt %d", attempt+1)
			return resp, nil
		}

		lastErr = err
		log.WithError(err).Warnf("Close attempt %d failed", attempt+1)

		if !IsTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}

		log.Infof("Transient error detected, retrying in %v", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-closeCtx.Done():
			timer.Stop()
			return nil, fmt.Errorf("close operation timed out during backoff: %w", closeCtx.Err())
		}
	}

	return nil, fmt.Errorf("failed to close position after retries: %w", lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError reports whether err is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrNotAuthenticated) ||
		errors.Is(err, broker.ErrOrderRejected) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
