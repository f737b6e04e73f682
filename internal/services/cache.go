package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/infrastructure/redis"
)

const (
	leaderboardKey      = "leaderboard"
	leaderboardCacheTTL = 30 * time.Second
	leaderboardDepth    = 100
)

// displayCache holds projections that may be briefly stale. Nothing in it is
// consulted for a balance decision.
type displayCache struct {
	redis redis.RedisClient
}

func (c displayCache) getJSON(ctx context.Context, key string, dst any) bool {
	raw, err := c.redis.Get(ctx, key)
	if err != nil {
		if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("failed to read cache", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Warn("failed to decode cached value", "key", key, "error", err)
		return false
	}
	return true
}

func (c displayCache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode cache value", "key", key, "error", err)
		return
	}
	if err := c.redis.Set(ctx, key, string(body), ttl); err != nil {
		slog.Warn("failed to write cache", "key", key, "error", err)
	}
}

func (c displayCache) invalidateLeaderboard(ctx context.Context) {
	if err := c.redis.Del(context.WithoutCancel(ctx), leaderboardKey); err != nil {
		slog.Warn("failed to invalidate leaderboard cache", "error", err)
	}
}
