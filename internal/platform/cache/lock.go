package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker serializes critical sections across processes with a Redis key.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewLocker constructs a locker. Zero TTL defaults to thirty seconds.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl, retry: 50 * time.Millisecond}
}

// WithLock runs fn while holding the key, polling until acquired or the
// context ends. The token guard means an expired lock is never released by
// the process that lost it.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("cache: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token)

	return fn(ctx)
}

// Cooldown suppresses repeat actions for a TTL using plain SETNX.
type Cooldown struct {
	client *redis.Client
}

// NewCooldown constructs a cooldown store.
func NewCooldown(client *redis.Client) *Cooldown {
	return &Cooldown{client: client}
}

// Acquire grabs the key for ttl. False means the key is already held.
func (c *Cooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops the key so the action can retry before the TTL lapses.
func (c *Cooldown) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
