package call

import (
	"context"
	"time"

	"healthtrack-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisSlots implements Slots on Redis: one live call per user, acquired
// atomically via Lua. The TTL covers crashed processes that never release;
// it should comfortably exceed the stale-session sweep timeout.
type RedisSlots struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSlots(rdb *redis.Client, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSlots{rdb: rdb, ttl: ttl}
}

func slotKey(userID string) string { return "call:slot:" + userID }

func (s *RedisSlots) Acquire(ctx context.Context, userID string) (bool, error) {
	return utils.AcquireSlot(ctx, s.rdb, slotKey(userID), 1, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, userID string) error {
	return utils.ReleaseSlot(ctx, s.rdb, slotKey(userID))
}
