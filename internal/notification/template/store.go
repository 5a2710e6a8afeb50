package template

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notification-dispatch/internal/models"
)

var ErrNotFound = errors.New("template not found")

// Store holds templates keyed by (tenant, type, channel, language). Get only
// returns active templates.
type Store interface {
	Get(ctx context.Context, key models.TemplateKey) (*models.Template, error)
	Upsert(ctx context.Context, t *models.Template) error
	List(ctx context.Context, tenantID string) ([]models.Template, error)
}

// MemoryStore serves reads from an immutable snapshot swapped atomically on
// every write, so Get never takes a lock.
type MemoryStore struct {
	writeMu  sync.Mutex
	snapshot atomic.Pointer[map[models.TemplateKey]models.Template]
}

func NewMemoryStore(seed ...models.Template) *MemoryStore {
	s := &MemoryStore{}
	m := make(map[models.TemplateKey]models.Template, len(seed))
	for _, t := range seed {
		m[t.Key()] = t
	}
	s.snapshot.Store(&m)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key models.TemplateKey) (*models.Template, error) {
	t, ok := (*s.snapshot.Load())[key]
	if !ok || !t.Active {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) Upsert(_ context.Context, t *models.Template) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.snapshot.Load()
	next := make(map[models.TemplateKey]models.Template, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	tpl := *t
	if prev, ok := cur[tpl.Key()]; ok {
		tpl.Version = prev.Version + 1
		if tpl.ID == "" {
			tpl.ID = prev.ID
		}
	} else if tpl.Version == 0 {
		tpl.Version = 1
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.UpdatedAt = time.Now().UTC()
	next[tpl.Key()] = tpl
	s.snapshot.Store(&next)

	*t = tpl
	return nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string) ([]models.Template, error) {
	var out []models.Template
	for _, t := range *s.snapshot.Load() {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TypeCode != b.TypeCode {
			return a.TypeCode < b.TypeCode
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.Language < b.Language
	})
	return out, nil
}
