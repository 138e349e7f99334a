package backend

import (
	"context"
	"fmt"
	"time"

	"saldo/internal/lock"
	"saldo/internal/log"
)

const tickLockPrefix = "saldo:billing:"

// OpenTickLock connects the Redis lease guarding billing ticks. With an empty
// url it returns a nil lock and ticks rely on in-process exclusion only.
// A configured but unreachable Redis is an error.
func OpenTickLock(ctx context.Context, url string, ttl time.Duration, logger *log.Logger) (*lock.RedisLock, CleanupFunc, error) {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentBackend)
	if url == "" {
		logger.Info("REDIS_URL not set, billing ticks are not coordinated across replicas")
		return nil, func() error { return nil }, nil
	}

	client, err := lock.Connect(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("open tick lock: %w", err)
	}
	logger.Info("Initialized Redis tick lock", "ttl", ttl.String())
	return lock.NewRedisLock(client, tickLockPrefix, ttl, logger), client.Close, nil
}
