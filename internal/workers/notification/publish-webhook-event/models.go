package publishwebhookevent

import (
	"context"
	"encoding/json"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

type Input struct {
	TenantID  string          `json:"tenantId"`
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Output struct {
	DeliveryIDs []string `json:"deliveryIds"`
}

// Publisher fans an event out to every subscribed endpoint of the tenant.
type Publisher interface {
	Publish(ctx context.Context, ev models.WebhookEvent) ([]*models.QueueEntry, error)
}

type ServiceDependencies struct {
	Publisher Publisher
	Logger    logger.Logger
}
