// Copyright 2024-2026 Aiku AI

package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis sink defaults.
const (
	DefaultRedisChannel = "telewp.alerts"
	DefaultRedisTimeout = 5 * time.Second
	DefaultRedisRetries = 2
)

// RedisConfig configures the Redis pub/sub notification sink.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
	// TimeoutSeconds limits one publish. Zero means the default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Retries        int `yaml:"retries"`
}

// RedisAdapter publishes notifications as JSON on a pub/sub channel.
type RedisAdapter struct {
	cfg     RedisConfig
	timeout time.Duration
	client  *goredis.Client
}

var _ Adapter = (*RedisAdapter)(nil)

// NewRedis validates cfg, parses the connection URL and builds the adapter.
func NewRedis(cfg RedisConfig) (*RedisAdapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultRedisTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRedisRetries
	}
	return &RedisAdapter{
		cfg:     cfg,
		timeout: timeout,
		client:  goredis.NewClient(opts),
	}, nil
}

func (a *RedisAdapter) Name() string {
	return "redis"
}

// Notify publishes n on the configured channel, retrying failed publishes
// with exponential backoff.
func (a *RedisAdapter) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("redis: marshal notification: %w", err)
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
		lastErr = a.publish(ctx, payload)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: giving up after %d attempts: %w", attempts, lastErr)
}

func (a *RedisAdapter) publish(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.client.Publish(ctx, a.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (a *RedisAdapter) Close() error {
	return a.client.Close()
}
