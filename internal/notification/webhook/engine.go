// Package webhook fans tenant events out to registered endpoints and
// performs the signed HTTP deliveries.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	apperrors "notification-dispatch/internal/common/errors"
	httpclient "notification-dispatch/internal/common/http"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/common/observability"
	"notification-dispatch/internal/common/validation"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/tracker"
)

var (
	// ErrInactive is returned for deliveries whose webhook was disabled or
	// deleted after the entry was queued.
	ErrInactive = errors.New("webhook is not active")
	// ErrTenantBusy is returned when every webhook slot of the tenant is in use.
	ErrTenantBusy = errors.New("tenant webhook concurrency limit reached")
)

const (
	minSecretLength    = 16
	defaultConcurrency = 4
)

// Recorder is satisfied by *tracker.Tracker.
type Recorder interface {
	Record(ctx context.Context, ev *models.DeliveryEvent) error
}

type Engine struct {
	store    Store
	queue    queue.Queue
	recorder Recorder
	client   *httpclient.Client
	obs      *observability.Observability
	logger   logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]tenantSlots
}

func NewEngine(store Store, q queue.Queue, recorder Recorder, client *httpclient.Client, obs *observability.Observability, log logger.Logger) *Engine {
	if obs == nil {
		obs = observability.NewNoop()
	}
	return &Engine{
		store:    store,
		queue:    q,
		recorder: recorder,
		client:   client,
		obs:      obs,
		logger:   log.WithFields(map[string]interface{}{"component": "webhook-engine"}),
		now:      time.Now,
		slots:    make(map[string]tenantSlots),
	}
}

// RegisterInput is a webhook registration request.
type RegisterInput struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (e *Engine) Register(ctx context.Context, tenantID string, in RegisterInput) (*models.Webhook, error) {
	switch {
	case tenantID == "":
		return nil, apperrors.NewValidationError("tenantId is required")
	case !validation.ValidateURL(in.URL):
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid webhook url %q", in.URL))
	case len(in.Secret) < minSecretLength:
		return nil, apperrors.NewValidationError(fmt.Sprintf("secret must be at least %d characters", minSecretLength))
	case len(in.Events) == 0:
		return nil, apperrors.NewValidationError("at least one event type is required")
	}
	for _, ev := range in.Events {
		if ev == "" {
			return nil, apperrors.NewValidationError("event types must not be empty")
		}
	}

	now := e.now().UTC()
	w := &models.Webhook{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       in.URL,
		Secret:    in.Secret,
		Events:    append([]string(nil), in.Events...),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, w); err != nil {
		return nil, apperrors.NewStorageError("create webhook", err)
	}
	e.logger.Info("webhook registered", map[string]interface{}{
		"tenantId": tenantID, "webhookId": w.ID, "events": w.Events,
	})
	return w, nil
}

func (e *Engine) List(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	hooks, err := e.store.List(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("list webhooks", err)
	}
	return hooks, nil
}

func (e *Engine) Delete(ctx context.Context, tenantID, id string) error {
	err := e.store.Delete(ctx, tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return apperrors.NewNotFoundError("webhook", id)
	}
	if err != nil {
		return apperrors.NewStorageError("delete webhook", err)
	}
	return nil
}

// Enable re-activates a webhook, typically after it was auto-disabled.
func (e *Engine) Enable(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	w, err := e.store.Enable(ctx, tenantID, id, e.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return nil, apperrors.NewNotFoundError("webhook", id)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("enable webhook", err)
	}
	return w, nil
}

// Deliveries lists the queue entries of one webhook, newest first.
func (e *Engine) Deliveries(ctx context.Context, tenantID, id string, limit int) ([]*models.QueueEntry, error) {
	if _, err := e.store.Get(ctx, tenantID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NewNotFoundError("webhook", id)
		}
		return nil, apperrors.NewStorageError("get webhook", err)
	}
	entries, err := e.queue.ListWebhookDeliveries(ctx, tenantID, id, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("list webhook deliveries", err)
	}
	return entries, nil
}

// Payload renders the canonical body sent for ev.
func Payload(ev models.WebhookEvent) ([]byte, error) {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(models.WebhookPayload{
		Event:     ev.EventType,
		Data:      data,
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
	})
}

// Publish queues one delivery per active webhook of the tenant subscribed
// to the event type. Publishing the same event id again returns the
// existing deliveries.
func (e *Engine) Publish(ctx context.Context, ev models.WebhookEvent) ([]*models.QueueEntry, error) {
	switch {
	case ev.TenantID == "":
		return nil, apperrors.NewValidationError("tenantId is required")
	case ev.EventType == "":
		return nil, apperrors.NewValidationError("eventType is required")
	case len(ev.Data) > 0 && !json.Valid(ev.Data):
		return nil, apperrors.NewValidationError("data must be valid JSON")
	}
	now := e.now().UTC()
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	body, err := Payload(ev)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	hooks, err := e.store.List(ctx, ev.TenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("list webhooks", err)
	}

	var out []*models.QueueEntry
	for _, h := range hooks {
		if !h.Active || !h.Subscribed(ev.EventType) {
			continue
		}
		entry := &models.QueueEntry{
			TenantID:       ev.TenantID,
			Kind:           models.KindWebhook,
			IdempotencyKey: fmt.Sprintf("webhook:%s:%s:%s", ev.TenantID, h.ID, ev.EventID),
			Priority:       models.PriorityNormal,
			Status:         models.StatusPending,
			NextEligibleAt: now,
			Reason:         models.ReasonQueued,
			Webhook: &models.WebhookDelivery{
				WebhookID: h.ID,
				EventType: ev.EventType,
				EventID:   ev.EventID,
				Body:      body,
			},
		}
		stored, created, err := e.queue.Enqueue(ctx, entry)
		if err != nil {
			return out, apperrors.NewStorageError("enqueue webhook delivery", err)
		}
		if created {
			if err := e.recorder.Record(ctx, tracker.Transition(stored, "", models.StatusPending, models.ReasonQueued, now)); err != nil {
				e.logger.Warn("failed to record queued webhook delivery", map[string]interface{}{
					"entryId": stored.ID, "error": err.Error(),
				})
			}
		}
		out = append(out, stored)
	}

	e.logger.Debug("webhook event published", map[string]interface{}{
		"tenantId": ev.TenantID, "eventType": ev.EventType, "eventId": ev.EventID, "deliveries": len(out),
	})
	return out, nil
}

// tenantSlots is the semaphore of one tenant together with the size it was
// built for.
type tenantSlots struct {
	size int
	sem  *semaphore.Weighted
}

// slot returns the tenant's semaphore. A size change replaces it; holders of
// the previous semaphore release on the one they acquired.
func (e *Engine) slot(tenantID string, size int) *semaphore.Weighted {
	if size <= 0 {
		size = defaultConcurrency
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[tenantID]
	if !ok || s.size != size {
		s = tenantSlots{size: size, sem: semaphore.NewWeighted(int64(size))}
		e.slots[tenantID] = s
	}
	return s.sem
}

// Admission is one held tenant slot for a webhook that can receive.
type Admission struct {
	hook *models.Webhook
	sem  *semaphore.Weighted
	once sync.Once
}

// Release frees the tenant slot. It is safe to call more than once.
func (a *Admission) Release() {
	a.once.Do(func() { a.sem.Release(1) })
}

// Admit checks that the entry's webhook is still active and takes one of the
// tenant's delivery slots. It returns ErrInactive when the webhook can no
// longer receive and ErrTenantBusy when no slot is free. The caller must
// Release the admission.
func (e *Engine) Admit(ctx context.Context, entry *models.QueueEntry, cfg *models.TenantConfig) (*Admission, error) {
	if entry.Webhook == nil {
		return nil, ErrInactive
	}
	hook, err := e.store.Get(ctx, entry.TenantID, entry.Webhook.WebhookID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInactive
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get webhook", err)
	}
	if !hook.Active {
		return nil, ErrInactive
	}

	sem := e.slot(entry.TenantID, cfg.WebhookConcurrency)
	if !sem.TryAcquire(1) {
		return nil, ErrTenantBusy
	}
	return &Admission{hook: hook, sem: sem}, nil
}

// Deliver admits and sends a claimed webhook entry in one step. Neither
// ErrInactive nor ErrTenantBusy counts as an attempt.
func (e *Engine) Deliver(ctx context.Context, entry *models.QueueEntry, cfg *models.TenantConfig) (models.SendResult, error) {
	if entry.Webhook == nil {
		return models.PermanentFailure("entry carries no webhook delivery"), nil
	}
	adm, err := e.Admit(ctx, entry, cfg)
	if err != nil {
		return models.SendResult{}, err
	}
	defer adm.Release()
	return e.Send(ctx, adm, entry, cfg), nil
}

// Send POSTs the stored body of an admitted entry. The response status and
// snippet are written to entry.Webhook.
func (e *Engine) Send(ctx context.Context, adm *Admission, entry *models.QueueEntry, cfg *models.TenantConfig) models.SendResult {
	hook := adm.hook
	ctx, span := e.obs.StartSpan(ctx, "webhook.deliver", map[string]string{
		"tenant.id":  entry.TenantID,
		"webhook.id": hook.ID,
		"event.type": entry.Webhook.EventType,
	})
	defer span.End()

	headers := map[string]string{
		"Content-Type":  "application/json",
		SignatureHeader: Sign(hook.Secret, entry.Webhook.Body),
		EventHeader:     entry.Webhook.EventType,
		DeliveryHeader:  entry.ID,
	}
	start := time.Now()
	resp, err := e.client.Post(ctx, hook.URL, headers, entry.Webhook.Body, cfg.WebhookTimeout())
	metrics.DispatchDuration.WithLabelValues(string(models.ChannelWebhook)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(metrics.StatusClass(0)).Inc()
		entry.Webhook.ResponseStatus = 0
		entry.Webhook.ResponseSnippet = ""
		if errors.Is(err, context.DeadlineExceeded) {
			return models.TransientFailure("webhook call timed out")
		}
		return models.TransientFailure("webhook call failed: " + err.Error())
	}

	metrics.WebhookDeliveries.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
	entry.Webhook.ResponseStatus = resp.StatusCode
	entry.Webhook.ResponseSnippet = resp.Snippet
	meta := map[string]string{"status": strconv.Itoa(resp.StatusCode)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.Delivered(entry.ID, meta)
	}
	r := models.TransientFailure(fmt.Sprintf("webhook responded %d", resp.StatusCode))
	r.Metadata = meta
	return r
}

// Finish updates the failure streak of the entry's webhook once the entry
// reached a final state, disabling the webhook after too many exhausted
// deliveries in a row.
func (e *Engine) Finish(ctx context.Context, entry *models.QueueEntry, delivered bool, cfg *models.TenantConfig) {
	if entry.Webhook == nil {
		return
	}
	disabled, err := e.store.RecordOutcome(ctx, entry.Webhook.WebhookID, delivered, cfg.WebhookAutoDisableAfter, e.now().UTC())
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Error("failed to record webhook outcome", map[string]interface{}{
			"webhookId": entry.Webhook.WebhookID, "error": err.Error(),
		})
		return
	}
	if disabled {
		metrics.WebhookAutoDisabled.Inc()
		e.logger.Warn("webhook auto-disabled", map[string]interface{}{
			"tenantId":  entry.TenantID,
			"webhookId": entry.Webhook.WebhookID,
			"threshold": cfg.WebhookAutoDisableAfter,
		})
	}
}
