package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Both scripts compare the stored owner token first, so a key that expired
// and was taken by another engine process is left alone.
var (
	unlockIfOwner = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)

	renewIfOwner = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLocker shares digest locks between engine processes that use the
// same index. A key holds the owner token of the acquire that set it.
type RedisLocker struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker returns a RedisLocker on client.
func NewRedisLocker(client redis.UniversalClient, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger.With().Str("component", "redis-locker").Logger(),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	t := uuid.NewString()
	set, err := l.client.SetNX(ctx, key, t, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !set {
		return "", false, nil
	}
	return t, true, nil
}

// AcquireWithRetry polls every retryDelay; Redis offers no release
// notification.
func (l *RedisLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, bool, error) {
	for attempt := 0; ; attempt++ {
		t, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil || ok {
			return t, ok, err
		}
		if attempt >= maxRetries {
			l.logger.Debug().Str("key", key).Int("attempts", attempt+1).Msg("digest lock busy")
			return "", false, nil
		}

		wait := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return "", false, ctx.Err()
		case <-wait.C:
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockIfOwner.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if n == 0 {
		l.logger.Warn().Str("key", key).Msg("lock had expired when released")
	}
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewIfOwner.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis renew %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}
