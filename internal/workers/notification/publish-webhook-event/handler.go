package publishwebhookevent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"notification-dispatch/internal/common/camunda"
	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

const TaskType = "webhook-event-publish"

type Handler struct {
	config    *Config
	publisher Publisher
	errors    *apperrors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(cfg *Config, deps ServiceDependencies) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("%s: publisher is required", TaskType)
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		publisher: deps.Publisher,
		errors:    apperrors.NewErrorHandler(log),
		logger:    log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.GetVariables()), &input); err != nil {
		h.fail(ctx, client, job, apperrors.NewValidationError("parse job variables: "+err.Error()))
		return
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"jobKey": job.GetKey(), "error": err.Error()})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{"jobKey": job.GetKey(), "error": err.Error()})
		return
	}
	camunda.RecordCompleted(TaskType)
}

// Execute queues one delivery per subscribed endpoint. An event with no
// subscriber completes with an empty list.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	entries, err := h.publisher.Publish(ctx, models.WebhookEvent{
		TenantID:  input.TenantID,
		EventType: input.EventType,
		EventID:   input.EventID,
		Data:      input.Data,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	h.logger.Info("webhook event published", map[string]interface{}{
		"tenantId":   input.TenantID,
		"eventType":  input.EventType,
		"deliveries": len(ids),
	})
	return &Output{DeliveryIDs: ids}, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	camunda.RecordFailed(TaskType, string(apperrors.CodeOf(err)))
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) IsEnabled() bool { return h.config.Enabled }
