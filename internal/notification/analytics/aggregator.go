// Package analytics folds delivery events into per-day buckets. Buckets are
// derived data: Recompute rebuilds them from the event log at any time.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/messaging"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/models"
)

const dayLayout = "2006-01-02"

// EventSource replays the delivery log. *tracker.MemoryEventStore and
// *tracker.PostgresEventStore satisfy it.
type EventSource interface {
	Scan(ctx context.Context, tenantID string, from, to time.Time, fn func(*models.DeliveryEvent) error) error
}

// Subscription is satisfied by *messaging.Consumer.
type Subscription interface {
	Run(ctx context.Context, handle messaging.Handler) error
}

type Aggregator struct {
	store  Store
	events EventSource
	logger logger.Logger
}

func NewAggregator(store Store, events EventSource, log logger.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		events: events,
		logger: log.WithFields(map[string]interface{}{"component": "analytics-aggregator"}),
	}
}

// Apply folds ev into its bucket. Folding the same event twice is a no-op.
func (a *Aggregator) Apply(ctx context.Context, ev *models.DeliveryEvent) error {
	_, err := a.apply(ctx, ev)
	return err
}

func (a *Aggregator) apply(ctx context.Context, ev *models.DeliveryEvent) (bool, error) {
	d := models.DeltaFor(ev)
	if d.Empty() {
		metrics.AnalyticsFolds.WithLabelValues("skipped").Inc()
		return false, nil
	}
	applied, err := a.store.Fold(ctx, ev, d)
	if err != nil {
		return false, apperrors.NewStorageError("fold analytics event", err)
	}
	if applied {
		metrics.AnalyticsFolds.WithLabelValues("applied").Inc()
	} else {
		metrics.AnalyticsFolds.WithLabelValues("duplicate").Inc()
	}
	return applied, nil
}

// Deliver lets the aggregator run as an in-process tracker sink.
func (a *Aggregator) Deliver(ctx context.Context, ev *models.DeliveryEvent) error {
	return a.Apply(ctx, ev)
}

// Consume folds events read from the delivery exchange until ctx is done.
// Undecodable messages are dropped.
func (a *Aggregator) Consume(ctx context.Context, sub Subscription) error {
	return sub.Run(ctx, func(ctx context.Context, d amqp.Delivery) error {
		var ev models.DeliveryEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			a.logger.Warn("dropping undecodable delivery event", map[string]interface{}{
				"messageId": d.MessageId,
				"error":     err.Error(),
			})
			return nil
		}
		return a.Apply(ctx, &ev)
	})
}

// RecomputeResult reports what a rebuild did.
type RecomputeResult struct {
	TenantID string `json:"tenantId"`
	FromDay  string `json:"fromDay"`
	ToDay    string `json:"toDay"`
	Events   int    `json:"events"`
	Folded   int    `json:"folded"`
}

// Recompute rebuilds the buckets of tenantID for every UTC day from the day
// of from through the day of to, both inclusive.
func (a *Aggregator) Recompute(ctx context.Context, tenantID string, from, to time.Time) (*RecomputeResult, error) {
	start := dayStart(from)
	end := dayStart(to).AddDate(0, 0, 1)
	if !start.Before(end) {
		return nil, apperrors.NewValidationError("recompute range is empty")
	}
	res := &RecomputeResult{
		TenantID: tenantID,
		FromDay:  start.Format(dayLayout),
		ToDay:    end.AddDate(0, 0, -1).Format(dayLayout),
	}

	if err := a.store.Reset(ctx, tenantID, res.FromDay, res.ToDay); err != nil {
		return nil, apperrors.NewStorageError("reset analytics buckets", err)
	}
	err := a.events.Scan(ctx, tenantID, start, end, func(ev *models.DeliveryEvent) error {
		res.Events++
		applied, err := a.apply(ctx, ev)
		if applied {
			res.Folded++
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}

	a.logger.Info("analytics recomputed", map[string]interface{}{
		"tenantId": tenantID,
		"fromDay":  res.FromDay,
		"toDay":    res.ToDay,
		"events":   res.Events,
		"folded":   res.Folded,
	})
	return res, nil
}

// Report is a bucket listing with totals over it.
type Report struct {
	Buckets      []models.AnalyticsBucket `json:"buckets"`
	Totals       models.AnalyticsBucket   `json:"totals"`
	DeliveryRate float64                  `json:"deliveryRate"`
	OpenRate     float64                  `json:"openRate"`
	ClickRate    float64                  `json:"clickRate"`
}

func (a *Aggregator) Report(ctx context.Context, q Query) (*Report, error) {
	buckets, err := a.store.Buckets(ctx, q)
	if err != nil {
		return nil, apperrors.NewStorageError("query analytics buckets", err)
	}
	if buckets == nil {
		buckets = []models.AnalyticsBucket{}
	}
	r := &Report{Buckets: buckets}
	r.Totals.TenantID = q.TenantID
	for _, b := range buckets {
		r.Totals.Apply(models.BucketDelta{
			Sent: b.Sent, Delivered: b.Delivered, Failed: b.Failed, Opened: b.Opened, Clicked: b.Clicked,
		})
	}
	r.DeliveryRate = r.Totals.DeliveryRate()
	r.OpenRate = r.Totals.OpenRate()
	r.ClickRate = r.Totals.ClickRate()
	return r, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, apperrors.NewValidationError(fmt.Sprintf("invalid day %q, want YYYY-MM-DD", s))
	}
	return t, nil
}
