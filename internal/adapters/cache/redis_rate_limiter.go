package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhiquai/aigrading/internal/ports"
)

// RedisRateLimiter counts hits in fixed windows shared by every API instance.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "aigrading:rate:"}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ports.RateDecision, error) {
	start := now.Truncate(window)
	redisKey := windowKey(l.prefix, key, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		// The window key outlives its window slightly so late hits never reset the count.
		p.Expire(ctx, redisKey, window+time.Minute)
		return nil
	})
	if err != nil {
		return ports.RateDecision{}, err
	}
	count := incr.Val()
	return ports.RateDecision{
		Allowed: count <= int64(limit),
		Count:   count,
		ResetAt: start.Add(window),
	}, nil
}

func windowKey(prefix, key string, start time.Time) string {
	return prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)
}
