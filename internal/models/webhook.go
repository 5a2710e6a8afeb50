package models

import (
	"encoding/json"
	"time"
)

// WildcardEvent subscribes a webhook to every event type.
const WildcardEvent = "*"

// Webhook is a tenant-registered HTTP endpoint.
type Webhook struct {
	ID                  string     `json:"id" db:"id"`
	TenantID            string     `json:"tenantId" db:"tenant_id"`
	URL                 string     `json:"url" db:"url"`
	Secret              string     `json:"-" db:"secret"`
	Events              []string   `json:"events" db:"events"`
	Active              bool       `json:"active" db:"active"`
	ConsecutiveFailures int        `json:"consecutiveFailures" db:"consecutive_failures"`
	DisabledAt          *time.Time `json:"disabledAt,omitempty" db:"disabled_at"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt" db:"updated_at"`
}

// Subscribed reports whether the webhook listens to eventType.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

// WebhookPayload is the JSON body POSTed to a webhook.
type WebhookPayload struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// WebhookDelivery is the webhook-specific part of a QueueEntry. Body is the
// exact byte sequence signed and sent on every attempt.
type WebhookDelivery struct {
	WebhookID       string     `json:"webhookId" db:"webhook_id"`
	EventType       string     `json:"eventType" db:"event_type"`
	EventID         string     `json:"eventId" db:"event_id"`
	Body            []byte     `json:"body" db:"body"`
	ResponseStatus  int        `json:"responseStatus,omitempty" db:"response_status"`
	ResponseSnippet string     `json:"responseSnippet,omitempty" db:"response_snippet"`
	NextRetryAt     *time.Time `json:"nextRetryAt,omitempty" db:"next_retry_at"`
}

// WebhookEvent is what a producer publishes for fan-out.
type WebhookEvent struct {
	TenantID   string          `json:"tenantId"`
	EventType  string          `json:"eventType"`
	EventID    string          `json:"eventId"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}
