package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"govgate/internal/config"
	"govgate/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
	block  bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, a domain.Alert) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{err: errors.New("down")}
	core, logs := observer.New(zap.ErrorLevel)
	f := NewFanout(zap.New(core), time.Second, a, b)

	f.Notify(context.Background(), domain.Alert{ID: "a1", Trigger: "t"})
	f.Wait()

	require.Len(t, a.alerts, 1)
	require.Len(t, b.alerts, 1)
	assert.Equal(t, "a1", a.alerts[0].ID)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "alert delivery failed", logs.All()[0].Message)
}

func TestFanoutTimeoutDoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	slow := &recordingSink{block: true}
	f := NewFanout(nil, 200*time.Millisecond, slow)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	f.Notify(ctx, domain.Alert{ID: "a2"})
	cancel()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	f.Wait()
}

func TestWebhookSink(t *testing.T) {
	t.Parallel()

	var (
		got     domain.Alert
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL, Alerts: true, Secret: "s3cret"})
	err := sink.Send(context.Background(), domain.Alert{ID: "a3", Trigger: "high_risk_transaction", Outcome: domain.AlertExecuted})
	require.NoError(t, err)

	assert.Equal(t, "a3", got.ID)
	assert.Equal(t, domain.AlertExecuted, got.Outcome)
	assert.Equal(t, AlertEvent, headers.Get(HeaderEvent))
	assert.Equal(t, "a3", headers.Get(HeaderDelivery))
	assert.Equal(t, "s3cret", headers.Get(HeaderSecret))
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(config.WebhookConfig{URL: srv.URL}).Send(context.Background(), domain.Alert{ID: "a4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestFromConfigSkipsDisabledAndAuditHooks(t *testing.T) {
	t.Parallel()

	off := false
	f := FromConfig(config.Notifications{Webhooks: []config.WebhookConfig{
		{URL: "http://alerts.local", Alerts: true},
		{URL: "http://audit.local", Events: []string{"policy.updated"}},
		{URL: "http://off.local", Alerts: true, Enabled: &off},
	}}, nil)

	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"log", "webhook:http://alerts.local"}, names)
	assert.Equal(t, defaultTimeout, f.timeout)
}
