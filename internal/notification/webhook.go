package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dexety/dex-trading-system/internal/logger"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *resty.Client
	log    zerolog.Logger
}

type webhookPayload struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{url: url, client: client, log: logger.For("webhook")}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Level:   string(alert.Level),
			Title:   alert.Title,
			Message: alert.Message,
			TS:      time.Now().UTC().Format(time.RFC3339Nano),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}

	w.log.Debug().Str("title", alert.Title).Msg("alert sent")
	return nil
}
