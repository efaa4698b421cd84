// Package notify delivers fire-and-forget text notifications about strategy
// events. Delivery failures are logged and never propagated to the engines.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier is the outbound message sink used by the engines.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// WebhookNotifier posts messages to an HTTP webhook (chat bot transport).
type WebhookNotifier struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type message struct {
	Text string `json:"text"`
}

// Notify posts the message and swallows any failure.
func (n *WebhookNotifier) Notify(ctx context.Context, text string) {
	payload, err := json.Marshal(message{Text: text})
	if err != nil {
		n.logger.Error("marshal notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected", zap.Int("status", resp.StatusCode))
	}
}

// Nop is a no-op notifier for tests and notification-less deployments.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string) {}
