package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps concurrent outbound lines shared by every dialer process using
// the same Redis. Counters expire after ttl so a crashed process cannot leak
// slots forever.
type Limiter struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewLimiter constructs a line limiter. A non-positive limit disables it.
func NewLimiter(client *redis.Client, limit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, limit: limit, ttl: ttl}
}

// TryAcquire reserves one line under key.
func (l *Limiter) TryAcquire(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 || key == "" {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired line.
func (l *Limiter) Release(ctx context.Context, key string) error {
	if l.limit <= 0 || key == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// InUse reports the number of lines currently held under key.
func (l *Limiter) InUse(ctx context.Context, key string) (int, error) {
	n, err := l.client.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("concurrency in use: %w", err)
	}
	return n, nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("dialer:lines:%s:active", key)
}
