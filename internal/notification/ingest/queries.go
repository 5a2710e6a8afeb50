package ingest

import (
	"context"
	"errors"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/tracker"
)

// Get returns an entry owned by tenantID. Entries of other tenants are
// reported as not found.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.QueueEntry, error) {
	e, err := s.Queue.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) || (err == nil && e.TenantID != tenantID) {
		return nil, apperrors.NewNotFoundError("notification", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get queue entry", err)
	}
	return e, nil
}

// Events returns the delivery history of an entry, oldest first.
func (s *Service) Events(ctx context.Context, tenantID, id string) ([]models.DeliveryEvent, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.Tracker.History(ctx, id)
}

// Cancel fails a pending entry with reason cancelled. An in-flight entry is
// only flagged and the running attempt may still deliver it.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*models.QueueEntry, error) {
	cur, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	e, err := s.Queue.Cancel(ctx, id, now)
	switch {
	case errors.Is(err, queue.ErrNotCancellable):
		return nil, apperrors.NewConflictError("Notification already finished",
			"entryId: "+id+", status: "+string(cur.Status))
	case errors.Is(err, queue.ErrNotFound):
		return nil, apperrors.NewNotFoundError("notification", id)
	case err != nil:
		return nil, apperrors.NewStorageError("cancel queue entry", err)
	}

	if e.Status == models.StatusFailed {
		s.record(ctx, tracker.Transition(e, models.StatusPending, models.StatusFailed, models.ReasonCancelled, now))
	}
	s.logger.Info("notification cancelled", map[string]interface{}{
		"tenantId":  tenantID,
		"entryId":   id,
		"status":    string(e.Status),
		"requested": e.CancelRequested,
	})
	return e, nil
}

// RecordEngagement records an open or click reported by the channel.
func (s *Service) RecordEngagement(ctx context.Context, tenantID, id string, kind models.EventType) (*models.DeliveryEvent, error) {
	e, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.Tracker.RecordEngagement(ctx, e, kind, s.now())
}

// DeadLetters lists the dead entries of a tenant, most recent first.
func (s *Service) DeadLetters(ctx context.Context, tenantID string, limit int) ([]*models.QueueEntry, error) {
	entries, err := s.Queue.ListDead(ctx, tenantID, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("list dead entries", err)
	}
	return entries, nil
}

// RateLimitUsage reports the current window counts of every channel the
// tenant has a quota on.
func (s *Service) RateLimitUsage(ctx context.Context, tenantID string) ([]ratelimit.Usage, error) {
	cfg, err := s.Tenants.Config(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("load tenant config", err)
	}

	now := s.now()
	channels := append(append([]models.Channel{}, models.NotificationChannels...), models.ChannelWebhook)
	out := []ratelimit.Usage{}
	for _, ch := range channels {
		quota := cfg.QuotaFor(ch)
		if quota.Unlimited() {
			continue
		}
		usage, err := s.Limiter.Usage(ctx, tenantID, ch, quota, now)
		if err != nil {
			return nil, apperrors.NewStorageError("read rate limit usage", err)
		}
		out = append(out, usage...)
	}
	return out, nil
}

// SearchEvents queries delivery events of a tenant. The search backend is
// used when configured, the event log otherwise.
func (s *Service) SearchEvents(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error) {
	if f.TenantID == "" {
		return nil, apperrors.NewValidationError("tenantId is required")
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, apperrors.NewValidationError("from must be before to")
	}
	if s.Search == nil {
		return s.Tracker.Query(ctx, f)
	}
	events, err := s.Search.Search(ctx, f)
	if err != nil {
		s.logger.Warn("event search failed, falling back to event log", map[string]interface{}{
			"tenantId": f.TenantID,
			"error":    err.Error(),
		})
		return s.Tracker.Query(ctx, f)
	}
	return events, nil
}
