package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const lineNotifyURL = "https://notify-api.line.me"

// LineNotifier posts messages through LINE Notify.
type LineNotifier struct {
	token  string
	client *resty.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewLineNotifier creates a LineNotifier. An empty token disables delivery.
func NewLineNotifier(token string, logger zerolog.Logger) *LineNotifier {
	return &LineNotifier{
		token: token,
		client: resty.New().
			SetBaseURL(lineNotifyURL).
			SetTimeout(10 * time.Second),
		now:    time.Now,
		logger: logger.With().Str("component", "line-notify").Logger(),
	}
}

// WithBaseURL points the notifier at another endpoint.
func (n *LineNotifier) WithBaseURL(url string) *LineNotifier {
	n.client.SetBaseURL(url)
	return n
}

// Send posts message as-is.
func (n *LineNotifier) Send(ctx context.Context, message string) error {
	if n.token == "" {
		return ErrNotConfigured
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetAuthToken(n.token).
		SetFormData(map[string]string{"message": message}).
		Post("/api/notify")
	if err != nil {
		return fmt.Errorf("line notify: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("line notify failed: %s", resp.Status())
	}
	return nil
}

// NotifyAlert implements Alerter. LINE has no markup, so severity is not rendered.
func (n *LineNotifier) NotifyAlert(ctx context.Context, title, details string, _ Severity) {
	message := fmt.Sprintf("🚨 Alert: %s\n%s\nTime: %s", title, details, n.now().UTC().Format(time.RFC3339))

	err := n.Send(ctx, message)
	record("line", err)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConfigured):
		n.logger.Warn().Msg("LINE_NOTIFY_TOKEN not configured")
	default:
		n.logger.Error().Err(err).Str("title", title).Msg("failed to send LINE notification")
	}
}
