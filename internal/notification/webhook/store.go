package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"notification-dispatch/internal/models"
)

var ErrNotFound = errors.New("webhook not found")

// Store keeps tenant webhook registrations and their failure streaks.
type Store interface {
	Create(ctx context.Context, w *models.Webhook) error
	Get(ctx context.Context, tenantID, id string) (*models.Webhook, error)
	List(ctx context.Context, tenantID string) ([]*models.Webhook, error)
	Delete(ctx context.Context, tenantID, id string) error
	// Enable reactivates a webhook and clears its failure streak.
	Enable(ctx context.Context, tenantID, id string, at time.Time) (*models.Webhook, error)
	// RecordOutcome resets the streak on success. On an exhausted delivery it
	// extends the streak and deactivates the webhook once the streak reaches
	// disableAfter. It reports whether this call disabled the webhook.
	RecordOutcome(ctx context.Context, id string, delivered bool, disableAfter int, at time.Time) (bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	hooks map[string]*models.Webhook
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hooks: make(map[string]*models.Webhook)}
}

func copyHook(w *models.Webhook) *models.Webhook {
	c := *w
	c.Events = append([]string(nil), w.Events...)
	if w.DisabledAt != nil {
		t := *w.DisabledAt
		c.DisabledAt = &t
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, w *models.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[w.ID] = copyHook(w)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.hooks[id]
	if !ok || w.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyHook(w), nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string) ([]*models.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Webhook
	for _, w := range s.hooks {
		if w.TenantID == tenantID {
			out = append(out, copyHook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.hooks[id]
	if !ok || w.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.hooks, id)
	return nil
}

func (s *MemoryStore) Enable(_ context.Context, tenantID, id string, at time.Time) (*models.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.hooks[id]
	if !ok || w.TenantID != tenantID {
		return nil, ErrNotFound
	}
	w.Active = true
	w.ConsecutiveFailures = 0
	w.DisabledAt = nil
	w.UpdatedAt = at
	return copyHook(w), nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, id string, delivered bool, disableAfter int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.hooks[id]
	if !ok {
		return false, ErrNotFound
	}
	w.UpdatedAt = at
	if delivered {
		w.ConsecutiveFailures = 0
		return false, nil
	}
	w.ConsecutiveFailures++
	if w.Active && disableAfter > 0 && w.ConsecutiveFailures >= disableAfter {
		w.Active = false
		w.DisabledAt = &at
		return true, nil
	}
	return false, nil
}
