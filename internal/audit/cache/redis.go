package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"energy-monitoring/internal/audit"
)

const defaultKeyPrefix = "device:status:"

// RedisStatusCache keeps the live device status in Redis as JSON objects.
type RedisStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures the cache.
type Option func(*RedisStatusCache)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *RedisStatusCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL expires cached snapshots after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisStatusCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRedisStatusCache constructs a cache.
func NewRedisStatusCache(client *redis.Client, opts ...Option) (*RedisStatusCache, error) {
	if client == nil {
		return nil, errors.New("status cache: nil redis client")
	}
	c := &RedisStatusCache{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetStatus stores the snapshot under the device key.
func (c *RedisStatusCache) SetStatus(ctx context.Context, status audit.DeviceStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(status.DeviceID), payload, c.ttl).Err()
}

func (c *RedisStatusCache) key(deviceID int64) string {
	return c.prefix + strconv.FormatInt(deviceID, 10)
}
