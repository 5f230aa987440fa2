package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/chatgate/internal/logging"
)

const (
	redisKeyPrefix = "chatgate:ratelimit:"
	redisTimeout   = 250 * time.Millisecond
)

// RedisLimiter shares a per-minute budget across replicas using fixed
// windows in Redis. A key gets RequestsPerMinute+BurstSize events per
// window. When Redis is unreachable it falls back to the in-process limiter.
type RedisLimiter struct {
	client   redis.Cmdable
	cfg      Config
	fallback *Limiter
	logger   *slog.Logger
	now      func() time.Time
}

var _ Allower = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter backed by client. Call Stop when done.
func NewRedisLimiter(client redis.Cmdable, cfg Config, logger *slog.Logger) *RedisLimiter {
	cfg = cfg.withDefaults()
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		fallback: New(cfg),
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// Allow counts one event for key in the current minute.
func (r *RedisLimiter) Allow(ctx context.Context, key string) bool {
	window := r.now().Unix() / 60
	k := redisKeyPrefix + key + ":" + strconv.FormatInt(window, 10)

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		r.logger.Warn("redis rate limit unavailable, using local buckets", "error", err)
		return r.fallback.Allow(ctx, key)
	}
	return incr.Val() <= int64(r.cfg.RequestsPerMinute+r.cfg.BurstSize)
}

// Stop releases the fallback limiter.
func (r *RedisLimiter) Stop() { r.fallback.Stop() }
