package cancelnotification

import (
	"context"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

type Input struct {
	TenantID string `json:"tenantId"`
	EntryID  string `json:"entryId"`
}

type Output struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

type Canceller interface {
	Cancel(ctx context.Context, tenantID, id string) (*models.QueueEntry, error)
}

type ServiceDependencies struct {
	Canceller Canceller
	Logger    logger.Logger
}
