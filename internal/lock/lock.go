package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

const (
	defaultTTL        = 5 * time.Second
	defaultRetryDelay = 100 * time.Millisecond
	defaultMaxRetries = 10
)

// ErrNotAcquired means the lock was held by someone else for the whole retry
// budget. It is a normal, recoverable outcome — "someone else is doing this
// work" — not a store failure.
var ErrNotAcquired = errors.New("lock not acquired")

// Lua script for atomic compare-and-delete release. A plain GET followed by
// DEL would race with TTL expiry: the lock could expire and be re-acquired by
// another holder between the two round trips, and the DEL would steal it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a distributed mutual-exclusion primitive over Redis. Entries are
// owned by an opaque per-attempt token and expire via TTL, the safety net
// against crashed holders.
type Lock struct {
	redisClient *redis.Client
	logger      *slog.Logger
	ttl         time.Duration
}

// New creates a lock manager. ttl is the default used by WithScope; pass 0
// for the built-in 5s default.
func New(redisClient *redis.Client, logger *slog.Logger, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Lock{
		redisClient: redisClient,
		logger:      logger,
		ttl:         ttl,
	}
}

func lockKey(key string) string {
	return keyPrefix + key
}

// Acquire attempts "set if not exists with expiry" and retries on contention,
// waiting retryDelay between attempts, up to maxRetries additional attempts.
// It returns the owner token on success and ErrNotAcquired once the retry
// budget is exhausted; it never blocks indefinitely. Pass ttl 0 for the
// manager default; the stored key always carries an expiry.
func (l *Lock) Acquire(ctx context.Context, key string, ttl, retryDelay time.Duration, maxRetries int) (string, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := l.redisClient.SetNX(ctx, lockKey(key), token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if attempt >= maxRetries {
			return "", ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release deletes the lock only if it is still owned by token. Releasing a
// lock that expired or was taken over is a no-op returning false, never an
// error — that is what bounds a holder that outlived its TTL.
func (l *Lock) Release(ctx context.Context, key, token string) (bool, error) {
	removed, err := releaseScript.Run(ctx, l.redisClient, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return removed == 1, nil
}

// WithScope acquires the lock with the default retry budget, runs fn, and
// always releases afterwards, even when fn fails. If acquisition fails, fn is
// never run and the acquisition error (usually ErrNotAcquired) is returned.
// Pass ttl 0 for the manager default.
func (l *Lock) WithScope(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = l.ttl
	}

	token, err := l.Acquire(ctx, key, ttl, defaultRetryDelay, defaultMaxRetries)
	if err != nil {
		return err
	}

	defer func() {
		// Release must run even if ctx was cancelled while fn executed.
		if _, rerr := l.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			l.logger.Error("failed to release lock", "key", key, "error", rerr)
		}
	}()

	return fn(ctx)
}
