package worker

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseKey = "lock:breaker-worker"
	DefaultLeaseTTL = 10 * time.Minute
)

// ErrLeaseNotHeld is returned when another worker holds the lease.
var ErrLeaseNotHeld = errors.New("worker: lease held elsewhere")

// Held is an acquired lease.
type Held interface {
	Release(ctx context.Context) error
}

// Lease grants exclusive right to run a cycle.
type Lease interface {
	Acquire(ctx context.Context) (Held, error)
}

// RedisLease is a Lease backed by a Redis lock.
type RedisLease struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease constructs a lease on key. Empty key or non-positive ttl use the defaults.
func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("worker: nil redis client")
	}
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLease{locker: redislock.New(client), key: key, ttl: ttl}, nil
}

// Acquire obtains the lease without waiting.
func (l *RedisLease) Acquire(ctx context.Context) (Held, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLeaseNotHeld
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}
