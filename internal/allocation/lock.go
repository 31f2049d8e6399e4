package allocation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

// RunLockKey is the Redis key guarding batch runs.
const RunLockKey = "token-wallet:allocation:run"

// RedisLocker takes the run lock as a Redis lease.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	lock, ok, err := utils.AcquireLock(ctx, l.rdb, RunLockKey, l.ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lock.Release, true, nil
}
