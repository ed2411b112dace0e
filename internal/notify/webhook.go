package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"govgate/internal/config"
	"govgate/internal/domain"
)

// Delivery headers sent with every webhook request.
const (
	HeaderEvent    = "X-Govgate-Event"
	HeaderDelivery = "X-Govgate-Delivery"
	HeaderSecret   = "X-Govgate-Secret"
)

// AlertEvent is the event header value for alert deliveries.
const AlertEvent = "alert"

// WebhookSink posts alerts as JSON to one configured hook.
type WebhookSink struct {
	hook   config.WebhookConfig
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) WebhookSink {
	return WebhookSink{hook: hook, client: &http.Client{Timeout: HookTimeout(hook)}}
}

func (s WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s WebhookSink) Send(ctx context.Context, a domain.Alert) error {
	return Post(ctx, s.client, s.hook, AlertEvent, a.ID, a)
}

// HookTimeout returns the per-hook timeout, or the default.
func HookTimeout(hook config.WebhookConfig) time.Duration {
	if hook.TimeoutSeconds > 0 {
		return time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

// Post delivers body to hook with the govgate delivery headers. Non-2xx responses are errors.
func Post(ctx context.Context, client *http.Client, hook config.WebhookConfig, event, delivery string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(HeaderSecret, hook.Secret)
	}
	if client == nil {
		client = &http.Client{Timeout: HookTimeout(hook)}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
