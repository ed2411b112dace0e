// Package notify delivers alerts to best-effort sinks. Delivery never blocks the
// caller and failures are only logged.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"govgate/internal/config"
	"govgate/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Sink delivers one alert.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert domain.Alert) error
}

// Nop discards alerts. Use when no sink is configured.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Alert) {}

// LogSink writes alerts to a zap logger.
type LogSink struct {
	Log *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a domain.Alert) error {
	s.Log.Warn("alert",
		zap.String("id", a.ID),
		zap.String("trigger", a.Trigger),
		zap.Float64("confidence", a.Confidence),
		zap.String("outcome", a.Outcome),
		zap.String("transaction_id", a.TransactionID),
		zap.String("evidence", a.Evidence),
		zap.String("error", a.Error))
	return nil
}

// Fanout sends every alert to all sinks concurrently, each bounded by Timeout.
type Fanout struct {
	sinks   []Sink
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewFanout(log *zap.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fanout{sinks: sinks, log: log, timeout: timeout}
}

// FromConfig builds the log sink plus one webhook sink per enabled alert webhook.
func FromConfig(cfg config.Notifications, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	sinks := []Sink{LogSink{Log: log}}
	for _, hook := range cfg.Webhooks {
		if !hook.Alerts || !hook.IsEnabled() {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return NewFanout(log, cfg.Timeout.Duration, sinks...)
}

// Notify returns immediately; deliveries continue after the caller's context ends.
func (f *Fanout) Notify(ctx context.Context, alert domain.Alert) {
	base := context.WithoutCancel(ctx)
	for _, s := range f.sinks {
		f.wg.Add(1)
		go func(s Sink) {
			defer f.wg.Done()
			sctx, cancel := context.WithTimeout(base, f.timeout)
			defer cancel()
			if err := s.Send(sctx, alert); err != nil {
				f.log.Error("alert delivery failed",
					zap.String("sink", s.Name()),
					zap.String("alert", alert.ID),
					zap.Error(err))
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
