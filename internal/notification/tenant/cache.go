package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// missingMarker is cached for tenants without a stored record.
const missingMarker = "-"

// CachedStore reads through Redis. Cache failures degrade to the backing
// store; writes invalidate the cached record.
type CachedStore struct {
	next   Store
	rdb    redis.Cmdable
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedStore(next Store, rdb redis.Cmdable, ttl time.Duration, log logger.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = cacheTTL
	}
	return &CachedStore{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "tenant-cache"}),
	}
}

func cacheKey(tenantID string) string {
	return "tenant:config:" + tenantID
}

func (c *CachedStore) Get(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	key := cacheKey(tenantID)
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && val == missingMarker:
		return nil, ErrNotFound
	case err == nil:
		var cfg models.TenantConfig
		if jerr := json.Unmarshal([]byte(val), &cfg); jerr == nil {
			return &cfg, nil
		}
		c.logger.Warn("dropping undecodable cached tenant config", map[string]interface{}{"tenantId": tenantID})
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache read failed", map[string]interface{}{"tenantId": tenantID, "error": err.Error()})
	}

	cfg, err := c.next.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		c.set(ctx, key, missingMarker)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if raw, jerr := json.Marshal(cfg); jerr == nil {
		c.set(ctx, key, string(raw))
	}
	return cfg, nil
}

func (c *CachedStore) set(ctx context.Context, key, val string) {
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func (c *CachedStore) Put(ctx context.Context, cfg *models.TenantConfig) error {
	if err := c.next.Put(ctx, cfg); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, cacheKey(cfg.TenantID)).Err(); err != nil {
		c.logger.Warn("tenant cache invalidation failed", map[string]interface{}{"tenantId": cfg.TenantID, "error": err.Error()})
	}
	return nil
}
