// internal/models/notification.go
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
)

// NotificationChannels are the channels a NotificationRequest may target.
// Webhooks are driven by event subscriptions instead.
var NotificationChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

// IsNotificationChannel reports whether c can carry a rendered notification.
func (c Channel) IsNotificationChannel() bool {
	for _, ch := range NotificationChannels {
		if ch == c {
			return true
		}
	}
	return false
}

// Priority orders queue entries; higher values are dispatched first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// ParsePriority accepts the named levels used by producers ("low", "normal",
// "high", "critical") or a bare integer.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(p), nil
}

// RecipientRef identifies the person or system a notification is addressed to.
type RecipientRef struct {
	Type string `json:"type" db:"recipient_type"` // "user", "customer", "staff"
	ID   string `json:"id" db:"recipient_id"`
}

func (r RecipientRef) String() string {
	return r.Type + ":" + r.ID
}

// NotificationRequest is a rendered notification for exactly one channel.
// It is immutable once rendered.
type NotificationRequest struct {
	TenantID     string       `json:"tenantId" db:"tenant_id"`
	Recipient    RecipientRef `json:"recipient"`
	Address      string       `json:"address,omitempty" db:"address"`
	Channel      Channel      `json:"channel" db:"channel"`
	TypeCode     string       `json:"typeCode" db:"type_code"`
	Language     string       `json:"language,omitempty" db:"language"`
	Priority     Priority     `json:"priority" db:"priority"`
	Content      Content      `json:"content"`
	TemplateID   string       `json:"templateId,omitempty" db:"template_id"`
	EventID      string       `json:"eventId,omitempty" db:"event_id"`
	ScheduledFor *time.Time   `json:"scheduledFor,omitempty" db:"scheduled_for"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt    time.Time    `json:"createdAt" db:"created_at"`
}

// Expired reports whether the request's expiry has passed at now.
func (r *NotificationRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type notificationRequestJSON NotificationRequest

// MarshalJSON encodes Content through its tagged envelope.
func (r NotificationRequest) MarshalJSON() ([]byte, error) {
	var env *ContentEnvelope
	if r.Content != nil {
		e := Envelope(r.Content)
		env = &e
	}
	return json.Marshal(struct {
		notificationRequestJSON
		Content *ContentEnvelope `json:"content,omitempty"`
	}{notificationRequestJSON(r), env})
}

// UnmarshalJSON decodes Content from its tagged envelope.
func (r *NotificationRequest) UnmarshalJSON(data []byte) error {
	aux := struct {
		*notificationRequestJSON
		Content *ContentEnvelope `json:"content,omitempty"`
	}{notificationRequestJSON: (*notificationRequestJSON)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Content == nil {
		r.Content = nil
		return nil
	}
	c, err := aux.Content.Content()
	if err != nil {
		return err
	}
	r.Content = c
	return nil
}
