package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/models"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newEntry(key string, prio models.Priority, eligible time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		TenantID:       "acme",
		Kind:           models.KindNotification,
		IdempotencyKey: key,
		Priority:       prio,
		NextEligibleAt: eligible,
		Notification: &models.NotificationRequest{
			TenantID: "acme",
			Channel:  models.ChannelSMS,
			TypeCode: "order_shipped",
			Content:  models.SMSContent{Text: "hi"},
		},
	}
}

func mustEnqueue(t *testing.T, q Queue, e *models.QueueEntry) *models.QueueEntry {
	t.Helper()
	out, created, err := q.Enqueue(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
	return out
}

func keys(entries []*models.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.IdempotencyKey
	}
	return out
}

func TestMemoryQueue_ClaimOrder(t *testing.T) {
	q := NewMemoryQueue()
	mustEnqueue(t, q, newEntry("low-early", models.PriorityLow, t0.Add(-time.Hour)))
	mustEnqueue(t, q, newEntry("high-late", models.PriorityHigh, t0.Add(-time.Minute)))
	mustEnqueue(t, q, newEntry("high-early", models.PriorityHigh, t0.Add(-2*time.Minute)))
	mustEnqueue(t, q, newEntry("future", models.PriorityCritical, t0.Add(time.Hour)))

	got, err := q.DequeueBatch(context.Background(), 10, "w1", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"high-early", "high-late", "low-early"}, keys(got))
	for _, e := range got {
		assert.Equal(t, models.StatusInFlight, e.Status)
		assert.Equal(t, "w1", e.LeaseOwner)
	}

	got, err = q.DequeueBatch(context.Background(), 10, "w1", t0.Add(30*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got, "scheduled entry is not due yet")

	got, err = q.DequeueBatch(context.Background(), 10, "w1", t0.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"future"}, keys(got))
}

func TestMemoryQueue_BatchSize(t *testing.T) {
	q := NewMemoryQueue()
	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, newEntry(fmt.Sprintf("k%d", i), models.PriorityNormal, t0.Add(time.Duration(i)*time.Second)))
	}
	got, err := q.DequeueBatch(context.Background(), 2, "w1", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1"}, keys(got))
}

func TestMemoryQueue_IdempotentEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	first := mustEnqueue(t, q, newEntry("evt-1:sms", models.PriorityNormal, t0))

	again, created, err := q.Enqueue(ctx, newEntry("evt-1:sms", models.PriorityHigh, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.PriorityHigh, again.Priority)
	assert.Equal(t, t0.Add(time.Hour), again.NextEligibleAt)

	got, err := q.DequeueBatch(ctx, 10, "w1", t0.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1, "one deliverable entry per key")

	// once claimed the entry keeps its schedule
	again, created, err = q.Enqueue(ctx, newEntry("evt-1:sms", models.PriorityLow, t0.Add(5*time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.StatusInFlight, again.Status)
	assert.Equal(t, models.PriorityHigh, again.Priority)
}

func TestMemoryQueue_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	e := mustEnqueue(t, q, newEntry("k", models.PriorityNormal, t0))

	got, err := q.DequeueBatch(ctx, 1, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = q.DequeueBatch(ctx, 1, "w2", t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = q.DequeueBatch(ctx, 1, "w2", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].LeaseOwner)

	_, err = q.Release(ctx, e.ID, "w1", models.Release{Status: models.StatusDelivered, Attempts: 1})
	assert.ErrorIs(t, err, ErrLeaseLost)

	done, err := q.Release(ctx, e.ID, "w2", models.Release{Status: models.StatusDelivered, Attempts: 1, Reason: models.ReasonDelivered})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, done.Status)
	assert.Nil(t, done.LeaseExpiresAt)
}

func TestMemoryQueue_ReleaseForRetry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	e := mustEnqueue(t, q, newEntry("k", models.PriorityHigh, t0))
	_, err := q.DequeueBatch(ctx, 1, "w1", t0, time.Minute)
	require.NoError(t, err)

	retryAt := t0.Add(30 * time.Second)
	out, err := q.Release(ctx, e.ID, "w1", models.Release{
		Status: models.StatusPending, NextEligibleAt: retryAt, Attempts: 1, Reason: models.ReasonRetry, LastError: "timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, out.Priority)
	assert.Equal(t, "timeout", out.LastError)

	got, err := q.DequeueBatch(ctx, 1, "w1", t0.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = q.DequeueBatch(ctx, 1, "w1", retryAt, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
}

func TestMemoryQueue_Cancel(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	pending := mustEnqueue(t, q, newEntry("pending", models.PriorityNormal, t0))
	inflight := mustEnqueue(t, q, newEntry("inflight", models.PriorityHigh, t0))

	claimed, err := q.DequeueBatch(ctx, 1, "w1", t0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, inflight.ID, claimed[0].ID)

	out, err := q.Cancel(ctx, pending.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, models.ReasonCancelled, out.Reason)

	got, err := q.DequeueBatch(ctx, 10, "w1", t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "cancelled entry is never claimed")

	out, err = q.Cancel(ctx, inflight.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInFlight, out.Status)
	assert.True(t, out.CancelRequested)

	_, err = q.Cancel(ctx, pending.ID, t0)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = q.Cancel(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueue_SettleAndDead(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	e := mustEnqueue(t, q, newEntry("k", models.PriorityNormal, t0))

	out, err := q.Settle(ctx, e.ID, models.Release{Status: models.StatusDead, Reason: models.ReasonTemplateMissing, LastError: "no template"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDead, out.Status)

	_, err = q.Settle(ctx, e.ID, models.Release{Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrNotPending)

	dead, err := q.ListDead(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "no template", dead[0].LastError)

	dead, err = q.ListDead(ctx, "globex", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	got, err := q.DequeueBatch(ctx, 10, "w1", t0.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got, "dead entries are never claimed")
}

func TestMemoryQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 0; i < 200; i++ {
		mustEnqueue(t, q, newEntry(fmt.Sprintf("k%d", i), models.PriorityNormal, t0))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				batch, err := q.DequeueBatch(ctx, 7, worker, t0, time.Hour)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
