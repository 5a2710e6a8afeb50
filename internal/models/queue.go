package models

import "time"

// Status is the lifecycle state of a QueueEntry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDead
}

var allowedTransitions = map[Status][]Status{
	"":             {StatusPending},
	StatusPending:  {StatusInFlight, StatusPending, StatusFailed, StatusDead},
	StatusInFlight: {StatusDelivered, StatusFailed, StatusDead, StatusPending},
}

// ValidTransition reports whether an entry may move from one status to another.
// The empty status stands for "not yet created".
func ValidTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reasons recorded on entries and delivery events.
const (
	ReasonQueued             = "queued"
	ReasonRescheduled        = "rescheduled"
	ReasonSuppressed         = "suppressed"
	ReasonCancelled          = "cancelled"
	ReasonExpired            = "expired"
	ReasonTemplateMissing    = "template_missing"
	ReasonQuietHours         = "quiet_hours"
	ReasonRateLimited        = "rate_limited"
	ReasonDeferralsExhausted = "rate_limit_deferrals_exhausted"
	ReasonRetry              = "retry_scheduled"
	ReasonAttemptsExhausted  = "max_attempts_exhausted"
	ReasonPermanentFailure   = "permanent_failure"
	ReasonDelivered          = "delivered"
	ReasonWebhookDisabled    = "webhook_disabled"
	ReasonTenantConcurrency  = "tenant_concurrency_limit"
	ReasonLeaseExpired       = "lease_expired"
)

// EntryKind tells the dispatcher which engine handles an entry.
type EntryKind string

const (
	KindNotification EntryKind = "notification"
	KindWebhook      EntryKind = "webhook"
)

// QueueEntry is a unit of work in the dispatch queue. Exactly one of
// Notification or Webhook is set, matching Kind.
type QueueEntry struct {
	ID              string               `json:"id" db:"id"`
	TenantID        string               `json:"tenantId" db:"tenant_id"`
	Kind            EntryKind            `json:"kind" db:"kind"`
	IdempotencyKey  string               `json:"idempotencyKey" db:"idempotency_key"`
	Priority        Priority             `json:"priority" db:"priority"`
	Status          Status               `json:"status" db:"status"`
	Attempts        int                  `json:"attempts" db:"attempts"`
	Deferrals       int                  `json:"deferrals" db:"deferrals"`
	NextEligibleAt  time.Time            `json:"nextEligibleAt" db:"next_eligible_at"`
	LeaseOwner      string               `json:"leaseOwner,omitempty" db:"lease_owner"`
	LeaseExpiresAt  *time.Time           `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
	CancelRequested bool                 `json:"cancelRequested,omitempty" db:"cancel_requested"`
	Reason          string               `json:"reason,omitempty" db:"reason"`
	LastError       string               `json:"lastError,omitempty" db:"last_error"`
	Notification    *NotificationRequest `json:"notification,omitempty"`
	Webhook         *WebhookDelivery     `json:"webhook,omitempty"`
	CreatedAt       time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time            `json:"updatedAt" db:"updated_at"`
}

// Channel returns the delivery channel of the wrapped payload.
func (e *QueueEntry) Channel() Channel {
	if e.Kind == KindWebhook || e.Notification == nil {
		return ChannelWebhook
	}
	return e.Notification.Channel
}

// TypeCode returns the notification type code, or the event type for webhooks.
func (e *QueueEntry) TypeCode() string {
	if e.Kind == KindWebhook {
		if e.Webhook != nil {
			return e.Webhook.EventType
		}
		return ""
	}
	if e.Notification == nil {
		return ""
	}
	return e.Notification.TypeCode
}

// Clone returns a deep enough copy for callers to mutate without touching
// the queue's own record.
func (e *QueueEntry) Clone() *QueueEntry {
	c := *e
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if e.Notification != nil {
		n := *e.Notification
		c.Notification = &n
	}
	if e.Webhook != nil {
		w := *e.Webhook
		c.Webhook = &w
	}
	return &c
}

// Release describes how a worker hands a claimed entry back to the queue.
type Release struct {
	Status         Status
	NextEligibleAt time.Time
	Attempts       int
	Deferrals      int
	Reason         string
	LastError      string
	Webhook        *WebhookDelivery
}
