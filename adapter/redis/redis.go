// Package redis publishes run-finished notifications to a Redis channel.
//
// Messages are JSON by default or msgpack when Encoding is "msgpack".
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/namazing/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "namazing:run_finished"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Message encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: namazing:run_finished).
	Channel string
	// Encoding is json or msgpack (default json).
	Encoding string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
	// Backoff is the base retry delay (default 500ms).
	Backoff time.Duration
}

// Adapter publishes run-finished events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
	encode func(any) ([]byte, error)
}

// New creates a Redis pub/sub adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	var encode func(any) ([]byte, error)
	switch strings.ToLower(cfg.Encoding) {
	case "", EncodingJSON:
		cfg.Encoding = EncodingJSON
		encode = json.Marshal
	case EncodingMsgpack:
		cfg.Encoding = EncodingMsgpack
		encode = msgpack.Marshal
	default:
		return nil, fmt.Errorf("redis adapter: unknown encoding %q (must be json or msgpack)", cfg.Encoding)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
		encode: encode,
	}, nil
}

// Publish sends the encoded event to the configured channel.
func (a *Adapter) Publish(ctx context.Context, event *adapter.RunFinishedEvent) error {
	body, err := a.encode(event)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}

	policy := adapter.RetryPolicy{Retries: a.config.Retries, Backoff: a.config.Backoff}
	return policy.Do(ctx, "redis", func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.client.Publish(publishCtx, a.config.Channel, body).Err()
	})
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
