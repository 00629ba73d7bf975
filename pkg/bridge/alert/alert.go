// Copyright 2024-2026 Aiku AI

// Package alert fans terminal delivery failures out to notification sinks,
// so a human hears about events the bridge has given up on.
package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Notification describes one delivery the bridge stopped retrying.
type Notification struct {
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	Disposition string    `json:"disposition,omitempty"`
	Class       string    `json:"class"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// KindDeliveryFailed is the only notification kind currently emitted.
const KindDeliveryFailed = "delivery_failed"

// Adapter delivers notifications to one sink.
type Adapter interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// Config selects and configures the enabled sinks. Nil sections are
// disabled.
type Config struct {
	Webhook *WebhookConfig `yaml:"webhook"`
	Redis   *RedisConfig   `yaml:"redis"`
}

// Dispatcher fans one notification out to every configured adapter.
// Sink failures are logged and swallowed: alerting must never block or fail
// the delivery pipeline it reports on.
type Dispatcher struct {
	log      zerolog.Logger
	adapters []Adapter
}

// NewDispatcher builds a dispatcher from explicit adapters.
func NewDispatcher(log zerolog.Logger, adapters ...Adapter) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "alert").Logger(),
		adapters: adapters,
	}
}

// BuildDispatcher constructs the adapters enabled in cfg.
func BuildDispatcher(cfg Config, log zerolog.Logger) (*Dispatcher, error) {
	var adapters []Adapter
	if cfg.Webhook != nil {
		wh, err := NewWebhook(*cfg.Webhook)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, wh)
	}
	if cfg.Redis != nil {
		rd, err := NewRedis(*cfg.Redis)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, rd)
	}
	return NewDispatcher(log, adapters...), nil
}

// Dispatch sends n to every adapter.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	for _, a := range d.adapters {
		if err := a.Notify(ctx, n); err != nil {
			d.log.Err(err).
				Str("adapter", a.Name()).
				Str("fingerprint", n.Fingerprint).
				Msg("Failed to deliver alert notification")
		}
	}
}

// Close shuts all adapters down.
func (d *Dispatcher) Close() {
	for _, a := range d.adapters {
		if err := a.Close(); err != nil {
			d.log.Err(err).Str("adapter", a.Name()).Msg("Failed to close alert adapter")
		}
	}
}
