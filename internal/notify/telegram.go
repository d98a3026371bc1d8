package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const telegramAPIURL = "https://api.telegram.org"

// TelegramNotifier sends HTML messages through the Telegram Bot API.
type TelegramNotifier struct {
	token  string
	chatID string
	client *resty.Client
	now    func() time.Time
	logger zerolog.Logger
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NewTelegramNotifier creates a TelegramNotifier. Delivery needs both the bot
// token and the chat id.
func NewTelegramNotifier(token, chatID string, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: resty.New().
			SetBaseURL(telegramAPIURL).
			SetTimeout(10 * time.Second),
		now:    time.Now,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// WithBaseURL points the notifier at another endpoint.
func (n *TelegramNotifier) WithBaseURL(url string) *TelegramNotifier {
	n.client.SetBaseURL(url)
	return n
}

// Send posts text with HTML parse mode.
func (n *TelegramNotifier) Send(ctx context.Context, text string) error {
	if n.token == "" || n.chatID == "" {
		return ErrNotConfigured
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetPathParam("token", n.token).
		SetBody(telegramMessage{ChatID: n.chatID, Text: text, ParseMode: "HTML"}).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram api failed: %s", resp.Status())
	}
	return nil
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// NotifyAlert implements Alerter.
func (n *TelegramNotifier) NotifyAlert(ctx context.Context, title, details string, severity Severity) {
	text := fmt.Sprintf("%s <b>%s</b>\n\n%s\n\n<i>Time: %s</i>",
		severityEmoji(severity),
		html.EscapeString(title),
		html.EscapeString(details),
		n.now().UTC().Format(time.RFC1123))

	err := n.Send(ctx, text)
	record("telegram", err)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConfigured):
		n.logger.Warn().Msg("Telegram credentials not configured")
	default:
		n.logger.Error().Err(err).Str("title", title).Msg("failed to send Telegram message")
	}
}
