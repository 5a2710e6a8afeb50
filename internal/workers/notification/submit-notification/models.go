package submitnotification

import (
	"context"
	"time"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/ingest"
)

// Input mirrors the process variables a workflow sets before the task.
type Input struct {
	TenantID      string                 `json:"tenantId"`
	RecipientType string                 `json:"recipientType"`
	RecipientID   string                 `json:"recipientId"`
	Address       string                 `json:"address,omitempty"`
	TypeCode      string                 `json:"typeCode"`
	Channel       string                 `json:"channel"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	ScheduledFor  *time.Time             `json:"scheduledFor,omitempty"`
	ExpiresAt     *time.Time             `json:"expiresAt,omitempty"`
	Language      string                 `json:"language,omitempty"`
	EventID       string                 `json:"eventId"`
}

func (in *Input) Request() ingest.SubmitRequest {
	return ingest.SubmitRequest{
		TenantID:     in.TenantID,
		Recipient:    models.RecipientRef{Type: in.RecipientType, ID: in.RecipientID},
		Address:      in.Address,
		TypeCode:     in.TypeCode,
		Channel:      models.Channel(in.Channel),
		Language:     in.Language,
		Variables:    in.Variables,
		Priority:     in.Priority,
		ScheduledFor: in.ScheduledFor,
		ExpiresAt:    in.ExpiresAt,
		EventID:      in.EventID,
	}
}

type Output struct {
	EntryID   string `json:"entryId"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Ingester is the part of the ingestion service this worker drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.SubmitRequest) (*ingest.SubmitResult, error)
}

type ServiceDependencies struct {
	Ingester Ingester
	Logger   logger.Logger
}
