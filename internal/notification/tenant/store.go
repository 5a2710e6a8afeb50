// Package tenant stores per-tenant dispatch settings. Stored records only
// carry overrides; Resolver merges them over the system defaults so callers
// read one complete record per decision.
package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"notification-dispatch/internal/models"
)

var ErrNotFound = errors.New("tenant config not found")

// Store persists tenant overrides.
type Store interface {
	Get(ctx context.Context, tenantID string) (*models.TenantConfig, error)
	Put(ctx context.Context, cfg *models.TenantConfig) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]models.TenantConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]models.TenantConfig)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) Put(_ context.Context, cfg *models.TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.TenantID] = *cfg
	return nil
}

// Resolver returns the effective configuration of a tenant.
type Resolver struct {
	store    Store
	defaults models.TenantConfig
}

func NewResolver(store Store, defaults models.TenantConfig) *Resolver {
	return &Resolver{store: store, defaults: defaults}
}

// Config merges the stored overrides of tenantID over the defaults. A
// tenant without a record gets the defaults.
func (r *Resolver) Config(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	override, err := r.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		override = &models.TenantConfig{TenantID: tenantID}
	} else if err != nil {
		return nil, err
	}
	return r.defaults.Merge(override), nil
}

// Put stores new overrides for a tenant.
func (r *Resolver) Put(ctx context.Context, cfg *models.TenantConfig) error {
	return r.store.Put(ctx, cfg)
}

// Overrides returns what is stored for the tenant, without defaults.
func (r *Resolver) Overrides(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	return r.store.Get(ctx, tenantID)
}

// Defaults returns a copy of the system defaults.
func (r *Resolver) Defaults() models.TenantConfig {
	return *r.defaults.Merge(nil)
}

// cacheTTL is used when a CachedStore is built with a zero TTL.
const cacheTTL = 5 * time.Minute
