package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenEventTTL bounds how long an event id is remembered in Redis. The
// provider stops retrying well within this window.
const SeenEventTTL = 30 * 24 * time.Hour

const redisKeyPrefix = "chatgate:billing:event:"

// RedisEventLog keeps seen event ids as SET NX keys with a TTL.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(client *redis.Client) *RedisEventLog {
	return &RedisEventLog{client: client, ttl: SeenEventTTL}
}

func (r *RedisEventLog) MarkSeen(ctx context.Context, id, eventType string) (bool, error) {
	return r.client.SetNX(ctx, redisKeyPrefix+id, eventType, r.ttl).Result()
}

func (r *RedisEventLog) MarkFailed(ctx context.Context, id, reason string) error {
	return r.client.Set(ctx, redisKeyPrefix+id, "failed:"+reason, redis.KeepTTL).Err()
}

var _ EventLog = (*RedisEventLog)(nil)
