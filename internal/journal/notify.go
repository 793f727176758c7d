package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/logging"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Notifier posts Pushover messages.
type Notifier struct {
	client  *http.Client
	limiter *rate.Limiter
	url     string
	token   string
	user    string
	logger  logrus.FieldLogger
}

// NewNotifier creates a Pushover notifier from cfg.
func NewNotifier(cfg config.NotifyConfig, logger logrus.FieldLogger) *Notifier {
	u := cfg.URL
	if u == "" {
		u = defaultPushoverURL
	}
	return &Notifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		url:     u,
		token:   cfg.Token,
		user:    cfg.User,
		logger:  logging.OrDiscard(logger),
	}
}

type pushoverResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors"`
}

// Notify sends one message.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	form := url.Values{
		"token":   {n.token},
		"user":    {n.user},
		"title":   {title},
		"message": {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var pr pushoverResponse
	_ = json.Unmarshal(body, &pr)
	if resp.StatusCode != http.StatusOK || pr.Status != 1 {
		return fmt.Errorf("pushover returned %d: %s", resp.StatusCode, strings.Join(pr.Errors, "; "))
	}
	return nil
}

// HandleEvent notifies about e, logging failures.
func (n *Notifier) HandleEvent(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	title := fmt.Sprintf("%s %s", e.Position.Strategy, e.Topic)
	if err := n.Notify(ctx, title, e.Summary()); err != nil {
		n.logger.WithError(err).WithField("topic", e.Topic).Warn("Failed to send notification")
	}
}
