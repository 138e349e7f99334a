// Package lock provides a Redis-backed mutual exclusion lease used to keep
// a single billing runner active per day across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"saldo/internal/log"
)

// ErrNotAcquired means another holder owns the lease.
var ErrNotAcquired = errors.New("lock held by another runner")

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const DefaultTTL = 10 * time.Minute

type RedisLock struct {
	client   redis.Cmdable
	prefix   string
	ttl      time.Duration
	logger   *log.Logger
	newToken func() string
}

func NewRedisLock(client redis.Cmdable, prefix string, ttl time.Duration, logger *log.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &RedisLock{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		logger:   logger.WithComponent(log.ComponentLock),
		newToken: uuid.NewString,
	}
}

// Connect parses a redis:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Acquire takes the lease for key. The returned release function gives it
// back if it is still ours; an expired lease is left alone.
func (l *RedisLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	name := l.prefix + key
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", name, ErrNotAcquired)
	}
	l.logger.Debug("Lock acquired", "key", name, "ttl", l.ttl.String())

	release := func(ctx context.Context) error {
		n, err := l.client.Eval(ctx, releaseScript, []string{name}, token).Int64()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if n == 0 {
			l.logger.Warn("Lock expired before release", "key", name, "ttl", l.ttl.String())
		}
		return nil
	}
	return release, nil
}
