package cancelnotification

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

const TaskType = "notification-cancel"

type Handler struct {
	config    *Config
	canceller Canceller
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
	if deps.Canceller == nil {
		return nil, fmt.Errorf("%s: canceller is required", TaskType)
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		canceller: deps.Canceller,
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

// Execute cancels a pending entry outright. An entry already handed to a
// provider is only flagged, and reports cancelled=true with its current
// status; the dispatcher drops it before the next attempt.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input.TenantID == "" || input.EntryID == "" {
		return nil, apperrors.NewValidationError("tenantId and entryId are required")
	}
	e, err := h.canceller.Cancel(ctx, input.TenantID, input.EntryID)
	if err != nil {
		return nil, err
	}
	cancelled := e.CancelRequested || (e.Status == models.StatusFailed && e.Reason == models.ReasonCancelled)
	h.logger.Info("cancel processed", map[string]interface{}{
		"tenantId":  input.TenantID,
		"entryId":   input.EntryID,
		"status":    string(e.Status),
		"cancelled": cancelled,
	})
	return &Output{Cancelled: cancelled, Status: string(e.Status)}, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	camunda.RecordFailed(TaskType, string(apperrors.CodeOf(err)))
	h.errors.HandleJobError(ctx, client, job, err)
}

func (h *Handler) IsEnabled() bool { return h.config.Enabled }
