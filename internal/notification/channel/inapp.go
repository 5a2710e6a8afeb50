package channel

import (
	"context"
	"time"

	"notification-dispatch/internal/models"
)

// JSONPublisher is satisfied by messaging.Publisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey, messageID string, v interface{}) error
}

type inAppMessage struct {
	EntryID   string `json:"entryId"`
	TenantID  string `json:"tenantId"`
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link,omitempty"`
	SentAt    string `json:"sentAt"`
}

// InAppSender hands in-app notifications to the broker; the realtime
// gateway consuming the exchange pushes them to connected clients. Routing
// key is inapp.<tenant>.<recipient>.
type InAppSender struct {
	pub JSONPublisher
}

func NewInAppSender(pub JSONPublisher) *InAppSender {
	return &InAppSender{pub: pub}
}

func (s *InAppSender) Channel() models.Channel { return models.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, msg Message) models.SendResult {
	content, ok := msg.Content.(models.InAppContent)
	if !ok {
		return models.PermanentFailure("in-app sender needs in-app content")
	}
	err := s.pub.PublishJSON(ctx, "inapp."+msg.TenantID+"."+msg.Address, msg.EntryID, inAppMessage{
		EntryID:   msg.EntryID,
		TenantID:  msg.TenantID,
		Recipient: msg.Address,
		Title:     content.Title,
		Body:      content.Body,
		Link:      content.Link,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return models.TransientFailure("publish in-app: " + err.Error())
	}
	return models.Delivered(msg.EntryID, map[string]string{"provider": "rabbitmq"})
}
