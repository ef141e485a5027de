package afecciones

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const cacheTTL = 15 * time.Minute

// ResultCache memoizes analysis summaries in Redis. Results are a pure
// projection of synced data, so a short TTL is enough to keep them
// honest across syncs. A nil *ResultCache is a no-op, and so is any
// Redis failure: the analysis simply runs again.
type ResultCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewResultCache(addr string, log *zap.Logger) *ResultCache {
	if addr == "" {
		return nil
	}
	return &ResultCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		log: log,
	}
}

func (c *ResultCache) Get(ctx context.Context, refcat string, p Params) *Summary {
	if c == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, cacheKey(refcat, p)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("cache get failed", zap.Error(err))
		}
		return nil
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func (c *ResultCache) Set(ctx context.Context, refcat string, p Params, s *Summary) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(refcat, p), raw, cacheTTL).Err(); err != nil {
		c.log.Debug("cache set failed", zap.Error(err))
	}
}

func cacheKey(refcat string, p Params) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%g|%s|%g|%g",
		refcat, strings.Join(p.Layers, ","), p.BufferM, p.IntersectionType, p.MinAreaM2, p.MinPercent)))
	return "afecciones:" + hex.EncodeToString(h[:16])
}
