package slots

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UseRedisCache enables short-lived caching of generated slots.
func (g *Generator) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	g.redis = redisClient
	g.cacheTTL = ttl
}

// Invalidate drops cached slots of a trainer. An empty date drops every date.
func (g *Generator) Invalidate(ctx context.Context, trainerID int64, date string) {
	if g.redis == nil || g.cacheTTL <= 0 {
		return
	}
	pattern := fmt.Sprintf("slots:%d:*", trainerID)
	if date != "" {
		pattern = fmt.Sprintf("slots:%d:%s:*", trainerID, date)
	}

	iter := g.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_ = g.redis.Del(ctx, keys...).Err()
	}
}

func (g *Generator) readCache(ctx context.Context, key string, out any) bool {
	if g.redis == nil || g.cacheTTL <= 0 {
		return false
	}
	val, err := g.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (g *Generator) writeCache(ctx context.Context, key string, val any) {
	if g.redis == nil || g.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = g.redis.Set(ctx, key, data, g.cacheTTL).Err()
}
