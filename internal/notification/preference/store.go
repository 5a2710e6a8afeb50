package preference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notification-dispatch/internal/models"
)

// Store is the read side consulted by the filter plus the owner-side writes
// used by the admin API.
type Store interface {
	ForRecipient(ctx context.Context, tenantID string, r models.RecipientRef) (*RecipientState, error)
	UpsertPreference(ctx context.Context, p *models.Preference) error
	UpsertHold(ctx context.Context, h *models.ComplianceHold) error
}

// RecipientState is everything the filter needs about one recipient.
type RecipientState struct {
	Preferences []models.Preference
	Holds       []models.ComplianceHold
}

type recipientKey struct {
	tenant    string
	recipient models.RecipientRef
}

// MemoryStore swaps an immutable map on write so reads are lock-free.
type MemoryStore struct {
	writeMu sync.Mutex
	state   atomic.Pointer[map[recipientKey]*RecipientState]
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	m := map[recipientKey]*RecipientState{}
	s.state.Store(&m)
	return s
}

func (s *MemoryStore) ForRecipient(_ context.Context, tenantID string, r models.RecipientRef) (*RecipientState, error) {
	st, ok := (*s.state.Load())[recipientKey{tenantID, r}]
	if !ok {
		return &RecipientState{}, nil
	}
	return st, nil
}

func (s *MemoryStore) update(tenantID string, r models.RecipientRef, fn func(st *RecipientState)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.state.Load()
	next := make(map[recipientKey]*RecipientState, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	key := recipientKey{tenantID, r}
	st := &RecipientState{}
	if old, ok := cur[key]; ok {
		st.Preferences = append([]models.Preference(nil), old.Preferences...)
		st.Holds = append([]models.ComplianceHold(nil), old.Holds...)
	}
	fn(st)
	next[key] = st
	s.state.Store(&next)
}

func (s *MemoryStore) UpsertPreference(_ context.Context, p *models.Preference) error {
	p.UpdatedAt = time.Now().UTC()
	s.update(p.TenantID, p.Recipient, func(st *RecipientState) {
		for i, existing := range st.Preferences {
			if existing.TypeCode == p.TypeCode && existing.Channel == p.Channel {
				st.Preferences[i] = *p
				return
			}
		}
		st.Preferences = append(st.Preferences, *p)
	})
	return nil
}

func (s *MemoryStore) UpsertHold(_ context.Context, h *models.ComplianceHold) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	s.update(h.TenantID, h.Recipient, func(st *RecipientState) {
		for i, existing := range st.Holds {
			if existing.Channel == h.Channel && existing.Flag == h.Flag {
				st.Holds[i] = *h
				return
			}
		}
		st.Holds = append(st.Holds, *h)
	})
	return nil
}
