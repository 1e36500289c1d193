package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// allowScript prunes the window, counts, and records the admission in
// one atomic step, so concurrent processes sharing a key cannot both
// admit past the limit. Refused calls are not recorded, matching the
// local backend's decisions call for call.
var allowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, 0, ARGV[1])
if redis.call('ZCARD', key) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', key, ARGV[2], ARGV[2])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)

// Redis is the shared limiter backend. Admission state lives in a
// sorted set per key, scored by admission time, so processes sharing
// the same Redis see a single window.
type Redis struct {
	client redis.Scripter
	log    *zap.Logger
}

// NewRedis returns a Redis-backed limiter.
func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

// Allow implements Limiter. Backend errors admit the action (fail open).
func (r *Redis) Allow(ctx context.Context, identity, action string, limit int, window time.Duration) bool {
	key := limiterKey(identity, action)
	now := time.Now()
	windowStart := now.Add(-window)

	admitted, err := allowScript.Run(ctx, r.client, []string{key},
		windowStart.UnixNano(),
		now.UnixNano(),
		limit,
		window.Milliseconds(),
	).Int()
	if err != nil {
		r.log.Error("rate limit backend error, failing open",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}
	return admitted == 1
}
