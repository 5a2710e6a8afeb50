package tracker

import (
	"context"
	"fmt"

	"notification-dispatch/internal/models"
)

// Publisher is satisfied by *messaging.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey, messageID string, v interface{}) error
}

// BrokerSink publishes every event on the delivery exchange. The event id is
// the message id so downstream consumers can deduplicate redeliveries.
type BrokerSink struct {
	pub Publisher
}

func NewBrokerSink(pub Publisher) *BrokerSink {
	return &BrokerSink{pub: pub}
}

// RoutingKey is delivery.<tenant>.<channel>.<status>; engagement events use
// the engagement type in place of the status.
func RoutingKey(ev *models.DeliveryEvent) string {
	last := string(ev.ToStatus)
	if ev.Type != models.EventTransition {
		last = string(ev.Type)
	}
	return fmt.Sprintf("delivery.%s.%s.%s", ev.TenantID, ev.Channel, last)
}

func (b *BrokerSink) Deliver(ctx context.Context, ev *models.DeliveryEvent) error {
	return b.pub.PublishJSON(ctx, RoutingKey(ev), ev.ID, ev)
}
