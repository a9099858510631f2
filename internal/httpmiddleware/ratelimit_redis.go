package httpmiddleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFixedWindow limits per key using a one-minute fixed window shared
// across instances. Fails open: a broken Redis must not take scans down
// with it.
type RedisFixedWindow struct {
	client    *redis.Client
	prefix    string
	perMinute int
}

// NewRedisFixedWindow creates a Redis-backed limiter.
func NewRedisFixedWindow(client *redis.Client, prefix string, perMinute int) *RedisFixedWindow {
	if prefix == "" {
		prefix = "rollcall:ratelimit"
	}
	return &RedisFixedWindow{client: client, prefix: prefix, perMinute: perMinute}
}

// Allow increments the caller's window counter and compares it to the
// per-minute budget.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) bool {
	window := time.Now().Unix() / 60
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, window)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}
	return count.Val() <= int64(l.perMinute)
}
