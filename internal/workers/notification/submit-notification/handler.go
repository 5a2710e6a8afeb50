package submitnotification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"notification-dispatch/internal/common/camunda"
	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
)

const TaskType = "notification-submit"

type Handler struct {
	config   *Config
	ingester Ingester
	errors   *apperrors.ErrorHandler
	logger   logger.Logger
}

func NewHandler(cfg *Config, deps ServiceDependencies) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if deps.Ingester == nil {
		return nil, fmt.Errorf("%s: ingester is required", TaskType)
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:   cfg,
		ingester: deps.Ingester,
		errors:   apperrors.NewErrorHandler(log),
		logger:   log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		camunda.RecordFailed(TaskType, string(apperrors.CodeOf(err)))
		h.errors.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		camunda.RecordFailed(TaskType, string(apperrors.CodeOf(err)))
		h.errors.HandleJobError(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	raw := []byte(job.GetVariables())
	result, err := schemas.Validate(TaskType, raw)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !result.Valid {
		return nil, apperrors.NewValidationError(strings.Join(result.GetErrorMessages(), "; "))
	}

	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, apperrors.NewValidationError("parse job variables: " + err.Error())
	}
	return &input, nil
}

// Execute queues the notification. Unlike the HTTP surface, a missing
// template does not fail the job: the entry is parked and reported as dead.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	res, err := h.ingester.Ingest(ctx, input.Request())
	if err != nil {
		return nil, err
	}
	h.logger.Info("notification queued", map[string]interface{}{
		"tenantId":  input.TenantID,
		"entryId":   res.EntryID,
		"status":    string(res.Status),
		"duplicate": res.Duplicate,
	})
	return &Output{EntryID: res.EntryID, Status: string(res.Status), Duplicate: res.Duplicate}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	start := time.Now()
	cmd, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}
	camunda.RecordCompleted(TaskType)
	h.logger.Debug("job completed", map[string]interface{}{
		"jobKey":   job.GetKey(),
		"entryId":  output.EntryID,
		"duration": time.Since(start).String(),
	})
}

func (h *Handler) GetTaskType() string { return TaskType }

func (h *Handler) IsEnabled() bool { return h.config.Enabled }

func (h *Handler) GetConfig() *Config { return h.config }
