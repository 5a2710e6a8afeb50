package analytics

import (
	"context"
	"sort"
	"sync"

	"notification-dispatch/internal/models"
)

// Query selects buckets. Days are YYYY-MM-DD and inclusive; empty fields
// match everything.
type Query struct {
	TenantID string
	Channel  models.Channel
	TypeCode string
	FromDay  string
	ToDay    string
}

func (q Query) matches(b *models.AnalyticsBucket) bool {
	switch {
	case q.TenantID != "" && b.TenantID != q.TenantID:
		return false
	case q.Channel != "" && b.Channel != q.Channel:
		return false
	case q.TypeCode != "" && b.TypeCode != q.TypeCode:
		return false
	case q.FromDay != "" && b.Day < q.FromDay:
		return false
	case q.ToDay != "" && b.Day > q.ToDay:
		return false
	}
	return true
}

// Store persists buckets together with the ids of the events folded into
// them, so a fold and its dedup marker commit together.
type Store interface {
	// Fold adds d to the bucket of ev. It returns false without changing
	// anything when ev was folded before.
	Fold(ctx context.Context, ev *models.DeliveryEvent, d models.BucketDelta) (bool, error)
	Buckets(ctx context.Context, q Query) ([]models.AnalyticsBucket, error)
	// Reset drops the buckets and fold markers of a tenant for an inclusive
	// day range.
	Reset(ctx context.Context, tenantID, fromDay, toDay string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	buckets map[models.BucketKey]*models.AnalyticsBucket
	folded  map[string]string // event id -> tenant|day
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[models.BucketKey]*models.AnalyticsBucket),
		folded:  make(map[string]string),
	}
}

func (s *MemoryStore) Fold(_ context.Context, ev *models.DeliveryEvent, d models.BucketDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.folded[ev.ID]; seen {
		return false, nil
	}
	s.folded[ev.ID] = ev.TenantID + "|" + ev.Day()

	key := models.BucketKey{TenantID: ev.TenantID, Channel: ev.Channel, TypeCode: ev.TypeCode, Day: ev.Day()}
	b, ok := s.buckets[key]
	if !ok {
		b = &models.AnalyticsBucket{TenantID: key.TenantID, Channel: key.Channel, TypeCode: key.TypeCode, Day: key.Day}
		s.buckets[key] = b
	}
	b.Apply(d)
	return true, nil
}

func (s *MemoryStore) Buckets(_ context.Context, q Query) ([]models.AnalyticsBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalyticsBucket
	for _, b := range s.buckets {
		if q.matches(b) {
			out = append(out, *b)
		}
	}
	sortBuckets(out)
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, tenantID, fromDay, toDay string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := Query{TenantID: tenantID, FromDay: fromDay, ToDay: toDay}
	for k, b := range s.buckets {
		if q.matches(b) {
			delete(s.buckets, k)
		}
	}
	for id, marker := range s.folded {
		tenant, day := splitMarker(marker)
		if tenant == tenantID && day >= fromDay && day <= toDay {
			delete(s.folded, id)
		}
	}
	return nil
}

func splitMarker(m string) (string, string) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == '|' {
			return m[:i], m[i+1:]
		}
	}
	return m, ""
}

func sortBuckets(bs []models.AnalyticsBucket) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.TypeCode < b.TypeCode
	})
}
