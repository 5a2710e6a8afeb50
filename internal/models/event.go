package models

import "time"

// EventType distinguishes status transitions from engagement signals.
type EventType string

const (
	EventTransition EventType = "transition"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
)

// DeliveryEvent is an immutable record of one state change of a QueueEntry.
type DeliveryEvent struct {
	ID                string            `json:"id" db:"id"`
	EntryID           string            `json:"entryId" db:"entry_id"`
	TenantID          string            `json:"tenantId" db:"tenant_id"`
	Kind              EntryKind         `json:"kind" db:"kind"`
	Channel           Channel           `json:"channel" db:"channel"`
	TypeCode          string            `json:"typeCode" db:"type_code"`
	Type              EventType         `json:"type" db:"event_type"`
	FromStatus        Status            `json:"fromStatus" db:"from_status"`
	ToStatus          Status            `json:"toStatus" db:"to_status"`
	Reason            string            `json:"reason,omitempty" db:"reason"`
	Attempt           int               `json:"attempt" db:"attempt"`
	ProviderMessageID string            `json:"providerMessageId,omitempty" db:"provider_message_id"`
	ProviderResponse  map[string]string `json:"providerResponse,omitempty" db:"provider_response"`
	OccurredAt        time.Time         `json:"occurredAt" db:"occurred_at"`
}

// Day returns the UTC calendar day the event is bucketed under.
func (e *DeliveryEvent) Day() string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

// IsAttempt reports whether the event closes a send attempt.
func (e *DeliveryEvent) IsAttempt() bool {
	return e.Type == EventTransition && e.FromStatus == StatusInFlight && e.Attempt > 0 &&
		(e.Reason == ReasonDelivered || e.Reason == ReasonRetry || e.Reason == ReasonPermanentFailure ||
			e.Reason == ReasonAttemptsExhausted)
}

// EventFilter narrows event queries.
type EventFilter struct {
	TenantID string
	EntryID  string
	Channel  Channel
	Status   Status
	From     *time.Time
	To       *time.Time
	Limit    int
}
