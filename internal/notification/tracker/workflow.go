package tracker

import (
	"context"
	"time"

	"notification-dispatch/internal/models"
)

// SettledMessage is the Zeebe message published when an entry reaches a
// terminal status. Process instances correlate on the entry id.
const SettledMessage = "notification-settled"

// MessagePublisher is satisfied by *camunda.Client.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, name, correlationKey, messageID string, ttl time.Duration, vars map[string]interface{}) error
}

// WorkflowSink lets a process that submitted a notification wait for its
// outcome. Non-terminal and engagement events are ignored.
type WorkflowSink struct {
	pub MessagePublisher
	ttl time.Duration
}

func NewWorkflowSink(pub MessagePublisher, ttl time.Duration) *WorkflowSink {
	return &WorkflowSink{pub: pub, ttl: ttl}
}

func (s *WorkflowSink) Deliver(ctx context.Context, ev *models.DeliveryEvent) error {
	if ev.Type != models.EventTransition || !ev.ToStatus.Terminal() {
		return nil
	}
	return s.pub.PublishMessage(ctx, SettledMessage, ev.EntryID, ev.ID, s.ttl, map[string]interface{}{
		"entryId":  ev.EntryID,
		"status":   string(ev.ToStatus),
		"reason":   ev.Reason,
		"channel":  string(ev.Channel),
		"attempts": ev.Attempt,
	})
}
