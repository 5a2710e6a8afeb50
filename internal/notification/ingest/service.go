// Package ingest accepts notification requests from producers, renders and
// filters them, and places them on the dispatch queue. It also owns the
// read side exposed to tenants: entry status, delivery history and usage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/common/validation"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/template"
	"notification-dispatch/internal/notification/tenant"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/pkg/registry"
)

// Preferences is satisfied by *preference.Filter.
type Preferences interface {
	Evaluate(ctx context.Context, tenant *models.TenantConfig, tenantID string, recipient models.RecipientRef,
		typeCode string, channel models.Channel, now time.Time) (models.PreferenceDecision, error)
}

// EventSearcher is the optional full-text backend for delivery events.
type EventSearcher interface {
	Search(ctx context.Context, f models.EventFilter) ([]models.DeliveryEvent, error)
}

// Deps are the collaborators of the service. Search may be nil, in which
// case searches go to the tracker's own store.
type Deps struct {
	Queue       queue.Queue
	Tenants     *tenant.Resolver
	Types       preference.TypeLookup
	Renderer    *template.Renderer
	Templates   template.Store
	Prefs       preference.Store
	Preferences Preferences
	Limiter     ratelimit.Limiter
	Addresses   channel.AddressBook
	Tracker     *tracker.Tracker
	Search      EventSearcher
}

type Service struct {
	Deps
	logger logger.Logger
	now    func() time.Time
}

func New(deps Deps, log logger.Logger) *Service {
	return &Service{
		Deps:   deps,
		logger: log.WithFields(map[string]interface{}{"component": "ingest"}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest is what a producer sends. Content comes from the tenant's
// template for TypeCode and Channel rendered with Variables.
type SubmitRequest struct {
	TenantID     string                 `json:"tenantId"`
	Recipient    models.RecipientRef    `json:"recipient"`
	Address      string                 `json:"address,omitempty"`
	TypeCode     string                 `json:"typeCode"`
	Channel      models.Channel         `json:"channel"`
	Language     string                 `json:"language,omitempty"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
	ScheduledFor *time.Time             `json:"scheduledFor,omitempty"`
	ExpiresAt    *time.Time             `json:"expiresAt,omitempty"`
	EventID      string                 `json:"eventId,omitempty"`
}

type SubmitResult struct {
	EntryID   string        `json:"entryId"`
	Status    models.Status `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Duplicate bool          `json:"duplicate"`
}

// Submit validates and queues a request. A request whose template cannot be
// resolved is rejected with a validation error and never queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	return s.submit(ctx, req, false)
}

// Ingest runs the same pipeline for asynchronous producers. A missing
// template does not reject: the entry is queued and parked as dead so the
// producer can find it through the tracker.
func (s *Service) Ingest(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	return s.submit(ctx, req, true)
}

// IdempotencyKey is unique per producing event, recipient and channel.
func IdempotencyKey(tenantID, eventID string, r models.RecipientRef, ch models.Channel) string {
	return strings.Join([]string{tenantID, eventID, r.String(), string(ch)}, ":")
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, park bool) (*SubmitResult, error) {
	now := s.now()

	typ, err := s.validate(req, now)
	if err != nil {
		metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), "rejected").Inc()
		return nil, err
	}

	cfg, err := s.Tenants.Config(ctx, req.TenantID)
	if err != nil {
		return nil, apperrors.NewStorageError("load tenant config", err)
	}

	prioritySource := req.Priority
	if prioritySource == "" {
		prioritySource = typ.DefaultPriority
	}
	priority, err := models.ParsePriority(prioritySource)
	if err != nil {
		metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), "rejected").Inc()
		return nil, apperrors.NewValidationError(err.Error())
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	rendered, renderErr := s.Renderer.Render(ctx, template.Request{
		TenantID:        req.TenantID,
		TypeCode:        req.TypeCode,
		Channel:         req.Channel,
		Language:        req.Language,
		DefaultLanguage: cfg.DefaultLanguage,
		Variables:       req.Variables,
	})
	missing := apperrors.IsCode(renderErr, apperrors.ErrCodeTemplateMissing)
	switch {
	case renderErr == nil:
	case missing && park:
	case missing:
		metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), "rejected").Inc()
		std, _ := apperrors.AsStandard(renderErr)
		return nil, apperrors.NewValidationError("no template resolves: " + std.Details)
	default:
		return nil, renderErr
	}

	eligibleAt := now
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		eligibleAt = req.ScheduledFor.UTC()
	}

	n := &models.NotificationRequest{
		TenantID:     req.TenantID,
		Recipient:    req.Recipient,
		Address:      req.Address,
		Channel:      req.Channel,
		TypeCode:     req.TypeCode,
		Language:     req.Language,
		Priority:     priority,
		EventID:      eventID,
		ScheduledFor: req.ScheduledFor,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
	}
	if rendered != nil {
		n.Content = rendered.Content
		n.TemplateID = rendered.Template.ID
		n.Language = rendered.Template.Language
	}

	entry, created, err := s.Queue.Enqueue(ctx, &models.QueueEntry{
		TenantID:       req.TenantID,
		Kind:           models.KindNotification,
		IdempotencyKey: IdempotencyKey(req.TenantID, eventID, req.Recipient, req.Channel),
		Priority:       priority,
		NextEligibleAt: eligibleAt,
		Notification:   n,
	})
	if err != nil {
		return nil, apperrors.NewStorageError("enqueue notification", err)
	}
	if !created {
		metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), "duplicate").Inc()
		return &SubmitResult{EntryID: entry.ID, Status: entry.Status, Reason: entry.Reason, Duplicate: true}, nil
	}

	s.record(ctx, tracker.Transition(entry, "", models.StatusPending, models.ReasonQueued, now))

	if missing {
		entry = s.settle(ctx, entry, models.Release{
			Status:    models.StatusDead,
			Reason:    models.ReasonTemplateMissing,
			LastError: renderErr.Error(),
		}, now)
		metrics.DeadEntries.WithLabelValues(string(models.KindNotification), models.ReasonTemplateMissing).Inc()
		metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), "dead").Inc()
		return &SubmitResult{EntryID: entry.ID, Status: entry.Status, Reason: entry.Reason}, nil
	}

	// Requests due now get the preference verdict before the producer hears
	// back. Scheduled ones are checked when they are claimed.
	if !eligibleAt.After(now) {
		entry, err = s.applyPreferences(ctx, entry, cfg, now)
		if err != nil {
			return nil, err
		}
	}

	result := "accepted"
	if entry.Status == models.StatusFailed {
		result = "suppressed"
	}
	metrics.NotificationsSubmitted.WithLabelValues(string(req.Channel), result).Inc()
	s.logger.Debug("notification queued", map[string]interface{}{
		"tenantId": req.TenantID,
		"entryId":  entry.ID,
		"typeCode": req.TypeCode,
		"channel":  string(req.Channel),
		"status":   string(entry.Status),
	})
	return &SubmitResult{EntryID: entry.ID, Status: entry.Status, Reason: entry.Reason}, nil
}

func (s *Service) validate(req SubmitRequest, now time.Time) (registry.NotificationType, error) {
	var problems []string
	if req.TenantID == "" {
		problems = append(problems, "tenantId is required")
	}
	if req.Recipient.Type == "" || req.Recipient.ID == "" {
		problems = append(problems, "recipient type and id are required")
	}
	if req.TypeCode == "" {
		problems = append(problems, "typeCode is required")
	}
	if !req.Channel.IsNotificationChannel() {
		problems = append(problems, fmt.Sprintf("channel %q is not a notification channel", req.Channel))
	}
	if req.Address != "" {
		if msg := checkAddress(req.Channel, req.Address); msg != "" {
			problems = append(problems, msg)
		}
	}
	if req.ScheduledFor != nil && req.ScheduledFor.Before(now) {
		problems = append(problems, "scheduledFor must not be in the past")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		problems = append(problems, "expiresAt must be in the future")
	}
	if req.ExpiresAt != nil && req.ScheduledFor != nil && !req.ExpiresAt.After(*req.ScheduledFor) {
		problems = append(problems, "expiresAt must be after scheduledFor")
	}

	typ, _ := s.Types.Lookup(req.TypeCode)
	if req.Channel.IsNotificationChannel() && !typ.AllowsChannel(string(req.Channel)) {
		problems = append(problems, fmt.Sprintf("type %q is not sent on %s", req.TypeCode, req.Channel))
	}

	if len(problems) > 0 {
		return registry.NotificationType{}, apperrors.NewValidationError(strings.Join(problems, "; "))
	}
	return typ, nil
}

func checkAddress(ch models.Channel, address string) string {
	switch ch {
	case models.ChannelEmail:
		if !validation.ValidateEmail(address) {
			return "address is not a valid email"
		}
	case models.ChannelSMS:
		if !validation.ValidatePhone(address) {
			return "address is not an E.164 phone number"
		}
	}
	return ""
}

func (s *Service) applyPreferences(ctx context.Context, entry *models.QueueEntry, cfg *models.TenantConfig, now time.Time) (*models.QueueEntry, error) {
	n := entry.Notification
	decision, err := s.Preferences.Evaluate(ctx, cfg, entry.TenantID, n.Recipient, n.TypeCode, n.Channel, now)
	if err != nil {
		// The dispatcher evaluates again at claim time.
		s.logger.Warn("preference check deferred to dispatch", map[string]interface{}{
			"entryId": entry.ID,
			"error":   err.Error(),
		})
		return entry, nil
	}

	switch decision.Outcome {
	case models.Suppressed:
		return s.settle(ctx, entry, models.Release{
			Status:    models.StatusFailed,
			Reason:    decision.Reason,
			LastError: apperrors.NewSuppressedError(decision.Reason).Error(),
		}, now), nil
	case models.Deferred:
		return s.settle(ctx, entry, models.Release{
			Status:         models.StatusPending,
			NextEligibleAt: decision.Until,
			Reason:         decision.Reason,
		}, now), nil
	}
	return entry, nil
}

// settle moves a fresh entry and records the event. A worker that claimed
// the entry first wins; the entry is returned as it was.
func (s *Service) settle(ctx context.Context, entry *models.QueueEntry, r models.Release, now time.Time) *models.QueueEntry {
	r.Attempts = entry.Attempts
	r.Deferrals = entry.Deferrals
	updated, err := s.Queue.Settle(ctx, entry.ID, r)
	if err != nil {
		if !errors.Is(err, queue.ErrNotPending) {
			s.logger.Error("failed to settle entry", map[string]interface{}{
				"entryId": entry.ID,
				"status":  string(r.Status),
				"error":   err.Error(),
			})
		}
		return entry
	}
	s.record(ctx, tracker.Transition(updated, models.StatusPending, r.Status, r.Reason, now))
	return updated
}

func (s *Service) record(ctx context.Context, ev *models.DeliveryEvent) {
	if err := s.Tracker.Record(ctx, ev); err != nil {
		s.logger.Error("failed to record delivery event", map[string]interface{}{
			"entryId": ev.EntryID,
			"to":      string(ev.ToStatus),
			"error":   err.Error(),
		})
	}
}
