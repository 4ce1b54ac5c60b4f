package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// DefaultRedisChannel is the default pub/sub channel name.
const DefaultRedisChannel = "shotrelay:status"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 2 * time.Second

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Redis publishes events as JSON to a Redis channel.
type Redis struct {
	client  *goredis.Client
	channel string
	timeout time.Duration
	log     *zap.Logger
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Redis{
		client:  goredis.NewClient(opts),
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
	}, nil
}

func (r *Redis) Notify(ctx context.Context, e delivery.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		r.log.Error("redis notifier: marshal event", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, body).Err(); err != nil {
		r.log.Warn("redis notifier: publish failed", zap.String("event", string(e.Kind)), zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ delivery.Observer = (*Redis)(nil)
