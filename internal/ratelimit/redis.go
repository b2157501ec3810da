package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter script. The window opens on the first request for
// a key and the counter expires with it. The check and the increment are
// a single atomic step, so the count can never pass the limit.
//
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
// ARGV[2] = limit
// Returns: {allowed (0/1), count, remaining window in milliseconds}
var incrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[2]) then
    return {0, count, redis.call('PTTL', KEYS[1])}
end

count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end

return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore counts windows in a shared Redis instance so that limits
// hold across worker processes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Incr(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, time.Duration, error) {
	result, err := incrScript.Run(ctx, s.rdb, []string{key},
		window.Milliseconds(),
		limit,
	).Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	if len(result) != 3 {
		return false, 0, 0, fmt.Errorf("ratelimit: unexpected script result length %d", len(result))
	}

	allowed, _ := result[0].(int64)
	count, _ := result[1].(int64)
	ttlMs, _ := result[2].(int64)

	remaining := time.Duration(ttlMs) * time.Millisecond
	if ttlMs < 0 {
		remaining = window
	}

	return allowed == 1, count, remaining, nil
}
