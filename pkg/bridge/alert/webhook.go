// Copyright 2024-2026 Aiku AI

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook sink defaults.
const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultWebhookRetries = 2
)

// WebhookConfig configures the HTTP notification sink.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// TimeoutSeconds limits one notification request. Zero means the
	// default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Retries        int `yaml:"retries"`
}

// StatusError reports a non-2xx response from the webhook endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.Code)
}

// WebhookAdapter posts notifications as JSON to a fixed URL, retrying
// transient failures with exponential backoff.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *http.Client
}

var _ Adapter = (*WebhookAdapter)(nil)

// NewWebhook validates cfg and builds the adapter.
func NewWebhook(cfg WebhookConfig) (*WebhookAdapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultWebhookRetries
	}
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (a *WebhookAdapter) Name() string {
	return "webhook"
}

// Notify posts n to the configured URL. 4xx responses are not retried.
func (a *WebhookAdapter) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webhook: marshal notification: %w", err)
	}
	attempts := 1 + a.cfg.Retries
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = a.doRequest(ctx, payload)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && se.Code >= 400 && se.Code < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("webhook: giving up after %d attempts: %w", attempts, lastErr)
}

func (a *WebhookAdapter) doRequest(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (a *WebhookAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
