package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the per-key counter and stamps the
// window TTL on first hit, atomically.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisStore is the shared fixed-window counter store.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr %q: %w", key, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("rate limit incr %q: unexpected script reply %T", key, res)
	}
	count, _ := values[0].(int64)
	ttlMs, _ := values[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}
