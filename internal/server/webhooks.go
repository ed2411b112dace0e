package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"govgate/internal/audit"
	"govgate/internal/config"
	"govgate/internal/notify"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardBatch    = 100
)

// AuditForwarder streams new audit events to the configured webhooks. Each hook
// keeps its own cursor, starting at the newest event when the forwarder starts.
// A failed delivery stops that hook's batch and is retried on the next tick.
type AuditForwarder struct {
	Audit    audit.Log
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Log      *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
	clients map[int]*http.Client
}

// NewAuditForwarder keeps hooks that subscribe to audit events. A hook that only
// sets alerts is served by the alert sink instead.
func NewAuditForwarder(log audit.Log, hooks []config.WebhookConfig, logger *zap.Logger) *AuditForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	var selected []config.WebhookConfig
	for _, hook := range hooks {
		if !hook.IsEnabled() {
			continue
		}
		if hook.Alerts && len(hook.Events) == 0 {
			continue
		}
		selected = append(selected, hook)
	}
	return &AuditForwarder{
		Audit:    log,
		Webhooks: selected,
		Interval: defaultForwardInterval,
		Log:      logger,
		cursors:  make(map[int]int64),
		clients:  make(map[int]*http.Client),
	}
}

// Run forwards until ctx is done.
func (f *AuditForwarder) Run(ctx context.Context) {
	if len(f.Webhooks) == 0 {
		return
	}
	interval := f.Interval
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.ForwardOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ForwardOnce delivers one batch to every hook.
func (f *AuditForwarder) ForwardOnce(ctx context.Context) {
	for i, hook := range f.Webhooks {
		f.forward(ctx, i, hook)
	}
}

func (f *AuditForwarder) forward(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := f.cursorFor(ctx, idx)
	if err != nil {
		f.Log.Error("audit forward: init cursor failed", zap.String("url", hook.URL), zap.Error(err))
		return
	}
	events, err := f.Audit.After(ctx, cursor, defaultForwardBatch)
	if err != nil {
		f.Log.Error("audit forward: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		body := forwardedEvent{
			AuditEventResponse: auditEventResponse(evt),
			Severity:           string(audit.SeverityOf(evt)),
		}
		if err := notify.Post(ctx, f.client(idx, hook), hook, evt.Type, strconv.FormatInt(evt.ID, 10), body); err != nil {
			f.Log.Warn("audit forward: delivery failed", zap.String("url", hook.URL), zap.Int64("event", evt.ID), zap.Error(err))
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

type forwardedEvent struct {
	AuditEventResponse
	Severity string `json:"severity"`
}

func (f *AuditForwarder) cursorFor(ctx context.Context, idx int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := f.Audit.LatestID(ctx)
	if err != nil {
		return 0, err
	}
	f.cursors[idx] = cur
	return cur, nil
}

func (f *AuditForwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *AuditForwarder) client(idx int, hook config.WebhookConfig) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[idx]
	if !ok {
		c = &http.Client{Timeout: notify.HookTimeout(hook)}
		f.clients[idx] = c
	}
	return c
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
