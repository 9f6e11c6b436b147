// Package notify forwards session lifecycle and message events to an external
// backend over HTTP. Delivery is fire-and-forget: a failed webhook is logged
// and dropped, never surfaced to the state machine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatbridge/telemetry"
)

// Event names emitted to the webhook backend.
const (
	EventQRGenerated     = "qr_generated"
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventMessageReceived = "message_received"
)

// Notifier delivers events for a tenant. Implementations must never block
// state transitions on delivery failure.
type Notifier interface {
	Notify(ctx context.Context, event, tenantID string, data any)
}

// payload is the wire shape posted to the webhook endpoint.
type payload struct {
	Event     string `json:"event"`
	TenantID  string `json:"tenantId"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Webhook posts events as JSON to a fixed URL with a short timeout.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook notifier, or a no-op notifier when url is empty.
func NewWebhook(url string, timeout time.Duration) Notifier {
	if url == "" {
		slog.Info("webhook notifier disabled: no URL configured")
		return Noop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify posts the event. Errors are counted and swallowed.
func (w *Webhook) Notify(ctx context.Context, event, tenantID string, data any) {
	body, err := json.Marshal(payload{Event: event, TenantID: tenantID, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		w.fail(event, tenantID, err)
		return
	}
	// Detach from the caller's cancellation: a torn-down session still gets
	// its disconnected event delivered.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.fail(event, tenantID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.fail(event, tenantID, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		w.fail(event, tenantID, fmt.Errorf("webhook status %d", resp.StatusCode))
		return
	}
	slog.Debug("webhook delivered", slog.String("event", event), slog.String("tenant", tenantID))
}

func (w *Webhook) fail(event, tenantID string, err error) {
	if telemetry.WebhookFailures != nil {
		telemetry.WebhookFailures.Inc()
	}
	slog.Warn("webhook delivery failed", slog.String("event", event), slog.String("tenant", tenantID), slog.Any("err", err))
}

// Noop discards all events.
type Noop struct{}

func (Noop) Notify(context.Context, string, string, any) {}
