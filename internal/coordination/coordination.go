// Package coordination provides an optional Redis-backed soft lock for
// operations that must not run concurrently across terminals sharing a
// branch (e.g. Z-report generation). When POS_REDIS_URL is unset the
// locker degrades gracefully to a local no-op, since a single terminal
// never needs cross-process coordination with itself.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker acquires short-lived named locks, backed by Redis when
// configured and a local no-op that always grants the lock otherwise.
type Locker struct {
	client *redis.Client
	log    zerolog.Logger
}

// New builds a Locker. redisURL may be empty, in which case the locker
// degrades to local-only coordination.
func New(redisURL string, log zerolog.Logger) (*Locker, error) {
	l := &Locker{log: log.With().Str("component", "coordination").Logger()}
	if redisURL == "" {
		return l, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid POS_REDIS_URL: %w", err)
	}
	l.client = redis.NewClient(opt)
	return l, nil
}

// Ping verifies connectivity to Redis, or succeeds trivially when
// running without one configured.
func (l *Locker) Ping(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.client.Ping(ctx).Err()
}

// Unlock releases a previously acquired lock. Safe to call on a lock
// that was never acquired (e.g. the degraded local path).
type Unlock func(ctx context.Context)

// Acquire attempts to take the named lock for ttl. When no Redis is
// configured, it always succeeds and returns a no-op Unlock — correct
// for a single terminal, which never contends with itself.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, Unlock, error) {
	if l.client == nil {
		return true, func(context.Context) {}, nil
	}
	token := uuid.NewString()
	key := "smallpos:lock:" + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return false, nil, nil
	}
	unlock := func(ctx context.Context) {
		val, err := l.client.Get(ctx, key).Result()
		if err != nil {
			return
		}
		if val == token {
			if err := l.client.Del(ctx, key).Err(); err != nil {
				l.log.Warn().Err(err).Str("lock", name).Msg("failed to release lock")
			}
		}
	}
	return true, unlock, nil
}

// Close releases the underlying Redis connection, if any.
func (l *Locker) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
