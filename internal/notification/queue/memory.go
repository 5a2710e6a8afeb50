package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification-dispatch/internal/models"
)

// MemoryQueue keeps due entries in a ready heap ordered by priority and
// future entries in a delayed heap ordered by next-eligible time; claims pop
// from the ready heap after promoting everything that became due. Claimed
// entries sit in a lease heap until released or expired.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     uint64
	byID    map[string]*item
	byKey   map[string]string
	ready   *itemHeap
	delayed *itemHeap
	leased  *itemHeap
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID:    make(map[string]*item),
		byKey:   make(map[string]string),
		ready:   newReadyHeap(),
		delayed: newDelayedHeap(),
		leased:  newLeaseHeap(),
	}
}

// schedule parks it in the delayed heap; DequeueBatch promotes it to the
// ready heap once due.
func (q *MemoryQueue) schedule(it *item) {
	q.delayed.add(it)
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *models.QueueEntry) (*models.QueueEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := q.byKey[e.IdempotencyKey]; ok {
		it := q.byID[id]
		if it.entry.Status == models.StatusPending {
			detach(it)
			it.entry.Priority = e.Priority
			it.entry.NextEligibleAt = e.NextEligibleAt
			it.entry.UpdatedAt = now
			q.schedule(it)
		}
		return it.entry.Clone(), false, nil
	}

	c := e.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = models.StatusPending
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	q.seq++
	it := &item{entry: c, seq: q.seq, index: -1}
	q.byID[c.ID] = it
	q.byKey[c.IdempotencyKey] = c.ID
	q.schedule(it)
	return c.Clone(), true, nil
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, n int, worker string, now time.Time, visibility time.Duration) ([]*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for it := q.leased.peek(); it != nil && !leaseExpiry(it).After(now); it = q.leased.peek() {
		q.leased.take()
		it.entry.Status = models.StatusPending
		it.entry.LeaseOwner = ""
		it.entry.LeaseExpiresAt = nil
		q.ready.add(it)
	}
	for it := q.delayed.peek(); it != nil && !it.entry.NextEligibleAt.After(now); it = q.delayed.peek() {
		q.ready.add(q.delayed.take())
	}

	var out []*models.QueueEntry
	expires := now.Add(visibility)
	for len(out) < n && q.ready.Len() > 0 {
		it := q.ready.take()
		it.entry.Status = models.StatusInFlight
		it.entry.LeaseOwner = worker
		exp := expires
		it.entry.LeaseExpiresAt = &exp
		it.entry.UpdatedAt = now
		q.leased.add(it)
		out = append(out, it.entry.Clone())
	}
	return out, nil
}

func (q *MemoryQueue) Release(_ context.Context, id, worker string, r models.Release) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.entry.Status != models.StatusInFlight || it.entry.LeaseOwner != worker {
		return nil, ErrLeaseLost
	}
	detach(it)
	now := time.Now().UTC()
	applyRelease(it.entry, r, now)
	if r.Status == models.StatusPending {
		q.schedule(it)
	}
	return it.entry.Clone(), nil
}

func (q *MemoryQueue) Settle(_ context.Context, id string, r models.Release) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.entry.Status != models.StatusPending {
		return nil, ErrNotPending
	}
	detach(it)
	now := time.Now().UTC()
	applyRelease(it.entry, r, now)
	if r.Status == models.StatusPending {
		q.schedule(it)
	}
	return it.entry.Clone(), nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string, now time.Time) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch it.entry.Status {
	case models.StatusPending:
		detach(it)
		applyRelease(it.entry, models.Release{
			Status:    models.StatusFailed,
			Attempts:  it.entry.Attempts,
			Deferrals: it.entry.Deferrals,
			Reason:    models.ReasonCancelled,
		}, now)
	case models.StatusInFlight:
		it.entry.CancelRequested = true
		it.entry.UpdatedAt = now
	default:
		return it.entry.Clone(), ErrNotCancellable
	}
	return it.entry.Clone(), nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.entry.Clone(), nil
}

func (q *MemoryQueue) list(tenantID string, limit int, match func(e *models.QueueEntry) bool) []*models.QueueEntry {
	q.mu.Lock()
	var out []*models.QueueEntry
	for _, it := range q.byID {
		if it.entry.TenantID == tenantID && match(it.entry) {
			out = append(out, it.entry.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit = listLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (q *MemoryQueue) ListDead(_ context.Context, tenantID string, limit int) ([]*models.QueueEntry, error) {
	return q.list(tenantID, limit, func(e *models.QueueEntry) bool {
		return e.Status == models.StatusDead
	}), nil
}

func (q *MemoryQueue) ListWebhookDeliveries(_ context.Context, tenantID, webhookID string, limit int) ([]*models.QueueEntry, error) {
	return q.list(tenantID, limit, func(e *models.QueueEntry) bool {
		return e.Kind == models.KindWebhook && e.Webhook != nil && e.Webhook.WebhookID == webhookID
	}), nil
}
