// Package queue holds pending notification and webhook deliveries.
//
// Entries are claimed in priority order (highest first), ties broken by
// next-eligible time. A claim is a lease: the entry is in_flight until the
// worker releases it or the lease expires, after which it can be claimed
// again.
package queue

import (
	"context"
	"errors"
	"time"

	"notification-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("queue entry not found")
	// ErrLeaseLost is returned when a worker releases an entry it no longer
	// holds, typically because its lease expired and another worker claimed it.
	ErrLeaseLost = errors.New("queue entry lease lost")
	// ErrNotPending is returned by Settle for an entry that was claimed or
	// finished in the meantime.
	ErrNotPending     = errors.New("queue entry is not pending")
	ErrNotCancellable = errors.New("queue entry already finished")
)

type Queue interface {
	// Enqueue stores a new pending entry. If the idempotency key is already
	// known the existing entry is returned with created == false; a still
	// pending entry gets its priority and next-eligible time updated.
	Enqueue(ctx context.Context, e *models.QueueEntry) (entry *models.QueueEntry, created bool, err error)

	// DequeueBatch claims up to n entries that are pending and due at now, or
	// whose lease expired, and moves them to in_flight leased to worker.
	DequeueBatch(ctx context.Context, n int, worker string, now time.Time, visibility time.Duration) ([]*models.QueueEntry, error)

	// Release hands a claimed entry back with its new state.
	Release(ctx context.Context, id, worker string, r models.Release) (*models.QueueEntry, error)

	// Settle moves an unclaimed pending entry to a new state.
	Settle(ctx context.Context, id string, r models.Release) (*models.QueueEntry, error)

	// Cancel fails a pending entry with reason cancelled. An in_flight entry
	// is only flagged; the running attempt decides.
	Cancel(ctx context.Context, id string, now time.Time) (*models.QueueEntry, error)

	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	ListDead(ctx context.Context, tenantID string, limit int) ([]*models.QueueEntry, error)
	ListWebhookDeliveries(ctx context.Context, tenantID, webhookID string, limit int) ([]*models.QueueEntry, error)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}

// claimOrder reports whether a is dispatched before b.
func claimOrder(a, b *models.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.NextEligibleAt.Before(b.NextEligibleAt)
}

func applyRelease(e *models.QueueEntry, r models.Release, now time.Time) {
	e.Status = r.Status
	e.Attempts = r.Attempts
	e.Deferrals = r.Deferrals
	e.Reason = r.Reason
	e.LastError = r.LastError
	if r.Status == models.StatusPending {
		e.NextEligibleAt = r.NextEligibleAt
	}
	if r.Webhook != nil && e.Webhook != nil {
		w := *r.Webhook
		e.Webhook = &w
	}
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = now
}
