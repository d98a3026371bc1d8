// Package notify delivers operational alerts to chat services outside the
// relay: LINE Notify and a Telegram bot.
package notify

import (
	"context"
	"errors"

	"github.com/Tyrowin/designconnect/internal/metrics"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ErrNotConfigured is returned by Send when the channel has no credentials.
var ErrNotConfigured = errors.New("notifier not configured")

// Alerter raises an alert. Implementations log delivery failures instead of
// returning them.
type Alerter interface {
	NotifyAlert(ctx context.Context, title, details string, severity Severity)
}

// Multi fans an alert out to every configured Alerter.
type Multi []Alerter

// NotifyAlert implements Alerter.
func (m Multi) NotifyAlert(ctx context.Context, title, details string, severity Severity) {
	for _, a := range m {
		a.NotifyAlert(ctx, title, details, severity)
	}
}

func record(channel string, err error) {
	result := "sent"
	switch {
	case errors.Is(err, ErrNotConfigured):
		result = "skipped"
	case err != nil:
		result = "failed"
	}
	metrics.NotificationsSent.WithLabelValues(channel, result).Inc()
}
