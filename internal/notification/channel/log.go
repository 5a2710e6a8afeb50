package channel

import (
	"context"

	"github.com/google/uuid"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

// LogSender accepts everything and only logs it. Selected with the "log"
// provider in development.
type LogSender struct {
	channel models.Channel
	logger  logger.Logger
}

func NewLogSender(ch models.Channel, log logger.Logger) *LogSender {
	return &LogSender{
		channel: ch,
		logger:  log.WithFields(map[string]interface{}{"component": "sender", "channel": string(ch), "provider": "log"}),
	}
}

func (s *LogSender) Channel() models.Channel { return s.channel }

func (s *LogSender) Send(_ context.Context, msg Message) models.SendResult {
	id := uuid.NewString()
	s.logger.Info("notification delivered to log", map[string]interface{}{
		"entryId":           msg.EntryID,
		"tenantId":          msg.TenantID,
		"address":           msg.Address,
		"providerMessageId": id,
	})
	return models.Delivered(id, map[string]string{"provider": "log"})
}
