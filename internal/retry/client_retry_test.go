package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/models"
)

// --- Test helpers ---

type fakeCloser struct {
	callCount int32

	// if successAfterN > 0, return errTransient for attempts < N, then success
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakeCloser) Close(_ context.Context, _ *models.Position, _ bool, _ string) (*broker.OrderResponse, error) {
	n := atomic.AddInt32(&f.callCount, 1)

	if f.successAfterN > 0 {
		if int(n) < f.successAfterN {
			if f.errTransient != nil {
				return nil, f.errTransient
			}
			return nil, errors.New("timeout")
		}
		return &broker.OrderResponse{ID: "900", Status: broker.OrderStatusSubmitted}, nil
	}
	if f.errPermanent != nil {
		return nil, f.errPermanent
	}
	return &broker.OrderResponse{ID: "900", Status: broker.OrderStatusSubmitted}, nil
}

func (f *fakeCloser) calls() int { return int(atomic.LoadInt32(&f.callCount)) }

func newTestPosition() *models.Position {
	return models.NewPosition("pos-1", "DDC", "SPX", nil, time.Now(), time.Now().AddDate(0, 0, 1), 1)
}

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Timeout: time.Second}
}

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	c := NewClient(&fakeCloser{}, nil)
	assert.Equal(t, DefaultConfig, c.config)

	c = NewClient(&fakeCloser{}, nil, Config{MaxRetries: -2, MaxBackoff: time.Millisecond})
	assert.Equal(t, 0, c.config.MaxRetries)
	assert.Equal(t, DefaultConfig.InitialBackoff, c.config.InitialBackoff)
	assert.Equal(t, DefaultConfig.InitialBackoff, c.config.MaxBackoff, "max backoff is raised to the initial backoff")
	assert.Equal(t, DefaultConfig.Timeout, c.config.Timeout)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:5000: connection refused"), true},
		{errors.New("i/o timeout"), true},
		{fmt.Errorf("wrapped: %w", &broker.APIError{Status: 503, Body: "busy"}), true},
		{&broker.APIError{Status: 429, Body: "slow down"}, true},
		{&broker.APIError{Status: 400, Body: "bad order"}, false},
		{&broker.APIError{Status: 401, Body: "login"}, false},
		{fmt.Errorf("%w: margin", broker.ErrOrderRejected), false},
		{gobreaker.ErrOpenState, true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("invalid conid"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	c := NewClient(&fakeCloser{}, nil, Config{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Timeout: time.Minute})

	next := c.calculateNextBackoff(time.Second)
	assert.GreaterOrEqual(t, next, 1500*time.Millisecond)
	assert.Less(t, next, 1500*time.Millisecond+1500*time.Millisecond/4+1)

	capped := c.calculateNextBackoff(9 * time.Second)
	assert.GreaterOrEqual(t, capped, 10*time.Second)
	assert.LessOrEqual(t, capped, 10*time.Second+10*time.Second/4)
}

func TestClosePositionWithRetry_SucceedsFirstAttempt(t *testing.T) {
	f := &fakeCloser{}
	c := NewClient(f, nil, fastConfig())

	resp, err := c.ClosePositionWithRetry(context.Background(), newTestPosition(), true, models.ExitReasonScheduled)
	require.NoError(t, err)
	assert.Equal(t, "900", resp.ID)
	assert.Equal(t, 1, f.calls())
}

func TestClosePositionWithRetry_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	f := &fakeCloser{successAfterN: 3, errTransient: &broker.APIError{Status: 502, Body: "bad gateway"}}
	c := NewClient(f, nil, fastConfig())

	resp, err := c.ClosePositionWithRetry(context.Background(), newTestPosition(), true, models.ExitReasonScheduled)
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, 3, f.calls())
}

func TestClosePositionWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	f := &fakeCloser{successAfterN: 10}
	c := NewClient(f, nil, fastConfig())

	_, err := c.ClosePositionWithRetry(context.Background(), newTestPosition(), true, models.ExitReasonScheduled)
	require.Error(t, err)
	assert.Equal(t, 4, f.calls())
}

func TestClosePositionWithRetry_FailFastOnNonTransient(t *testing.T) {
	f := &fakeCloser{errPermanent: fmt.Errorf("%w: no trading permissions", broker.ErrOrderRejected)}
	c := NewClient(f, nil, fastConfig())

	_, err := c.ClosePositionWithRetry(context.Background(), newTestPosition(), true, models.ExitReasonScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrOrderRejected)
	assert.Equal(t, 1, f.calls())
}

func TestClosePositionWithRetry_NilPosition(t *testing.T) {
	f := &fakeCloser{}
	c := NewClient(f, nil, fastConfig())

	_, err := c.ClosePositionWithRetry(context.Background(), nil, true, models.ExitReasonScheduled)
	assert.Error(t, err)
	assert.Equal(t, 0, f.calls())
}

func TestClosePositionWithRetry_ContextCanceled(t *testing.T) {
	f := &fakeCloser{}
	c := NewClient(f, nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ClosePositionWithRetry(ctx, newTestPosition(), true, models.ExitReasonScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.calls())
}

func TestClosePositionWithRetry_TimeoutDuringBackoff(t *testing.T) {
	f := &fakeCloser{successAfterN: 100}
	c := NewClient(f, nil, Config{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.ClosePositionWithRetry(context.Background(), newTestPosition(), true, models.ExitReasonScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, f.calls())
}
