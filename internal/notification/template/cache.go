package template

import (
	"context"
	"errors"
	"sync"
	"time"

	"notification-dispatch/internal/models"
)

type cacheEntry struct {
	tpl     *models.Template
	missing bool
	expires time.Time
}

// CachedStore keeps recent lookups, including misses, in a sync.Map so the
// render path does not hit the database for every request. Upserts through
// the cache invalidate the key immediately; other writers are picked up
// after ttl.
type CachedStore struct {
	next  Store
	ttl   time.Duration
	cache sync.Map
	now   func() time.Time
}

func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, ttl: ttl, now: time.Now}
}

func (c *CachedStore) Get(ctx context.Context, key models.TemplateKey) (*models.Template, error) {
	if v, ok := c.cache.Load(key); ok {
		e := v.(cacheEntry)
		if c.now().Before(e.expires) {
			if e.missing {
				return nil, ErrNotFound
			}
			t := *e.tpl
			return &t, nil
		}
	}

	t, err := c.next.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		c.cache.Store(key, cacheEntry{missing: true, expires: c.now().Add(c.ttl)})
		return nil, err
	case err != nil:
		return nil, err
	}
	cp := *t
	c.cache.Store(key, cacheEntry{tpl: &cp, expires: c.now().Add(c.ttl)})
	return t, nil
}

func (c *CachedStore) Upsert(ctx context.Context, t *models.Template) error {
	if err := c.next.Upsert(ctx, t); err != nil {
		return err
	}
	c.cache.Delete(t.Key())
	return nil
}

func (c *CachedStore) List(ctx context.Context, tenantID string) ([]models.Template, error) {
	return c.next.List(ctx, tenantID)
}
