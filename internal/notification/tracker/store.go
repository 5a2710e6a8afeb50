package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"notification-dispatch/internal/models"
)

// EventStore is the append-only delivery log.
type EventStore interface {
	Append(ctx context.Context, ev *models.DeliveryEvent) error
	ListByEntry(ctx context.Context, entryID string) ([]models.DeliveryEvent, error)
	Query(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error)
	// Scan calls fn for every event of tenantID with from <= occurredAt < to,
	// in occurrence order.
	Scan(ctx context.Context, tenantID string, from, to time.Time, fn func(*models.DeliveryEvent) error) error
}

const defaultQueryLimit = 200

type MemoryEventStore struct {
	mu     sync.RWMutex
	events []models.DeliveryEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Append(_ context.Context, ev *models.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryEventStore) ListByEntry(_ context.Context, entryID string) ([]models.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryEvent
	for _, ev := range s.events {
		if ev.EntryID == entryID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func matches(ev *models.DeliveryEvent, f models.EventFilter) bool {
	switch {
	case f.TenantID != "" && ev.TenantID != f.TenantID:
		return false
	case f.EntryID != "" && ev.EntryID != f.EntryID:
		return false
	case f.Channel != "" && ev.Channel != f.Channel:
		return false
	case f.Status != "" && ev.ToStatus != f.Status:
		return false
	case f.From != nil && ev.OccurredAt.Before(*f.From):
		return false
	case f.To != nil && !ev.OccurredAt.Before(*f.To):
		return false
	}
	return true
}

func (s *MemoryEventStore) Query(_ context.Context, f models.EventFilter) ([]models.DeliveryEvent, error) {
	s.mu.RLock()
	var out []models.DeliveryEvent
	for i := range s.events {
		if matches(&s.events[i], f) {
			out = append(out, s.events[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEventStore) Scan(_ context.Context, tenantID string, from, to time.Time, fn func(*models.DeliveryEvent) error) error {
	s.mu.RLock()
	var selected []models.DeliveryEvent
	for _, ev := range s.events {
		if ev.TenantID == tenantID && !ev.OccurredAt.Before(from) && ev.OccurredAt.Before(to) {
			selected = append(selected, ev)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(selected, func(i, j int) bool { return selected[i].OccurredAt.Before(selected[j].OccurredAt) })
	for i := range selected {
		if err := fn(&selected[i]); err != nil {
			return err
		}
	}
	return nil
}
