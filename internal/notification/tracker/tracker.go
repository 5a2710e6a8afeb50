// Package tracker records the delivery event log and fans each event out to
// the search index, the event bus and the analytics aggregator.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// ErrNotDelivered rejects engagement signals for entries that never arrived.
var ErrNotDelivered = errors.New("engagement recorded for an undelivered entry")

// Sink receives every event after it has been appended to the log. Sink
// failures never fail the transition that produced the event.
type Sink interface {
	Deliver(ctx context.Context, ev *models.DeliveryEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *models.DeliveryEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev *models.DeliveryEvent) error {
	return f(ctx, ev)
}

type Tracker struct {
	store  EventStore
	sinks  []Sink
	logger logger.Logger
	now    func() time.Time
}

func New(store EventStore, log logger.Logger, sinks ...Sink) *Tracker {
	return &Tracker{
		store:  store,
		sinks:  sinks,
		logger: log.WithFields(map[string]interface{}{"component": "delivery-tracker"}),
		now:    time.Now,
	}
}

// AddSink registers s for events recorded from now on.
func (t *Tracker) AddSink(s Sink) {
	t.sinks = append(t.sinks, s)
}

// Transition builds the event for entry moving from one status to another.
func Transition(entry *models.QueueEntry, from, to models.Status, reason string, at time.Time) *models.DeliveryEvent {
	return &models.DeliveryEvent{
		EntryID:    entry.ID,
		TenantID:   entry.TenantID,
		Kind:       entry.Kind,
		Channel:    entry.Channel(),
		TypeCode:   entry.TypeCode(),
		Type:       models.EventTransition,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Attempt:    entry.Attempts,
		OccurredAt: at,
	}
}

// Record validates ev, assigns its id and timestamp when unset, appends it
// and notifies the sinks.
func (t *Tracker) Record(ctx context.Context, ev *models.DeliveryEvent) error {
	if ev.Type == "" {
		ev.Type = models.EventTransition
	}
	if ev.Type == models.EventTransition && !models.ValidTransition(ev.FromStatus, ev.ToStatus) {
		return apperrors.NewInternalError(fmt.Errorf("invalid transition %q -> %q for entry %s",
			ev.FromStatus, ev.ToStatus, ev.EntryID))
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now().UTC()
	}

	if err := t.store.Append(ctx, ev); err != nil {
		return apperrors.NewStorageError("append delivery event", err)
	}

	for _, s := range t.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			t.logger.Warn("event sink failed", map[string]interface{}{
				"eventId": ev.ID,
				"entryId": ev.EntryID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// RecordEngagement records an open or click for a delivered entry.
func (t *Tracker) RecordEngagement(ctx context.Context, entry *models.QueueEntry, kind models.EventType, at time.Time) (*models.DeliveryEvent, error) {
	if kind != models.EventOpened && kind != models.EventClicked {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown engagement type %q", kind))
	}
	if entry.Status != models.StatusDelivered {
		return nil, apperrors.NewConflictError(ErrNotDelivered.Error(), "entryId: "+entry.ID)
	}
	ev := &models.DeliveryEvent{
		EntryID:    entry.ID,
		TenantID:   entry.TenantID,
		Kind:       entry.Kind,
		Channel:    entry.Channel(),
		TypeCode:   entry.TypeCode(),
		Type:       kind,
		FromStatus: models.StatusDelivered,
		ToStatus:   models.StatusDelivered,
		Attempt:    entry.Attempts,
		OccurredAt: at,
	}
	if err := t.Record(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// History returns the events of one entry in occurrence order.
func (t *Tracker) History(ctx context.Context, entryID string) ([]models.DeliveryEvent, error) {
	events, err := t.store.ListByEntry(ctx, entryID)
	if err != nil {
		return nil, apperrors.NewStorageError("list entry events", err)
	}
	return events, nil
}

// Query returns the newest events matching f.
func (t *Tracker) Query(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error) {
	events, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, apperrors.NewStorageError("query delivery events", err)
	}
	return events, nil
}

// Store exposes the underlying log for replay.
func (t *Tracker) Store() EventStore {
	return t.store
}
