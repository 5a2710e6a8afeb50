package submitnotification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-dispatch/internal/common/config"
	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/ingest"
)

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, req ingest.SubmitRequest) (*ingest.SubmitResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.SubmitResult), args.Error(1)
}

func createMockJob(key int64, variables interface{}) entities.Job {
	var raw string
	switch v := variables.(type) {
	case string:
		raw = v
	default:
		b, _ := json.Marshal(v)
		raw = string(b)
	}
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:                key,
		Type:               TaskType,
		ProcessInstanceKey: key * 10,
		BpmnProcessId:      "order-fulfilment",
		ElementId:          "Activity_NotifyCustomer",
		CustomHeaders:      "{}",
		Worker:             "test-worker",
		Retries:            3,
		Variables:          raw,
	}}
}

func validVariables() map[string]interface{} {
	return map[string]interface{}{
		"tenantId":      "acme",
		"recipientType": "customer",
		"recipientId":   "c-7",
		"typeCode":      "order_confirmed",
		"channel":       "email",
		"variables":     map[string]interface{}{"order": "A-1"},
		"priority":      "high",
		"scheduledFor":  "2026-03-02T12:00:00Z",
		"eventId":       "evt-9",
	}
}

func newTestHandler(t *testing.T, ing Ingester) *Handler {
	t.Helper()
	h, err := NewHandler(DefaultConfig(), ServiceDependencies{Ingester: ing, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	return h
}

func TestHandler_NewHandler(t *testing.T) {
	_, err := NewHandler(DefaultConfig(), ServiceDependencies{Logger: logger.NewNoOpLogger()})
	assert.Error(t, err)

	_, err = NewHandler(&Config{MaxJobsActive: 1}, ServiceDependencies{Ingester: new(MockIngester)})
	assert.Error(t, err)

	h, err := NewHandler(nil, ServiceDependencies{Ingester: new(MockIngester), Logger: logger.NewNoOpLogger()})
	require.NoError(t, err)
	assert.Equal(t, TaskType, h.GetTaskType())
	assert.True(t, h.IsEnabled())
}

func TestHandler_ParseInput(t *testing.T) {
	h := newTestHandler(t, new(MockIngester))

	t.Run("valid variables", func(t *testing.T) {
		in, err := h.parseInput(createMockJob(1, validVariables()))
		require.NoError(t, err)

		req := in.Request()
		assert.Equal(t, "acme", req.TenantID)
		assert.Equal(t, models.RecipientRef{Type: "customer", ID: "c-7"}, req.Recipient)
		assert.Equal(t, models.ChannelEmail, req.Channel)
		assert.Equal(t, "A-1", req.Variables["order"])
		require.NotNil(t, req.ScheduledFor)
		assert.True(t, req.ScheduledFor.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
		assert.Nil(t, req.ExpiresAt)
	})

	tests := []struct {
		name   string
		mutate func(v map[string]interface{})
	}{
		{"missing tenant", func(v map[string]interface{}) { delete(v, "tenantId") }},
		{"missing event id", func(v map[string]interface{}) { delete(v, "eventId") }},
		{"webhook is not a notification channel", func(v map[string]interface{}) { v["channel"] = "webhook" }},
		{"bad schedule", func(v map[string]interface{}) { v["scheduledFor"] = "tomorrow" }},
		{"variables must be an object", func(v map[string]interface{}) { v["variables"] = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validVariables()
			tt.mutate(v)
			_, err := h.parseInput(createMockJob(2, v))
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation), "got %v", err)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		_, err := h.parseInput(createMockJob(3, "{not json"))
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
	})
}

func TestHandler_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		ing := new(MockIngester)
		ing.On("Ingest", mock.Anything, mock.MatchedBy(func(r ingest.SubmitRequest) bool {
			return r.TenantID == "acme" && r.EventID == "evt-9" && r.Priority == "high"
		})).Return(&ingest.SubmitResult{EntryID: "e-1", Status: models.StatusPending}, nil)

		h := newTestHandler(t, ing)
		in, err := h.parseInput(createMockJob(1, validVariables()))
		require.NoError(t, err)

		out, err := h.Execute(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, &Output{EntryID: "e-1", Status: "pending"}, out)
		ing.AssertExpectations(t)
	})

	t.Run("duplicate event reports the original entry", func(t *testing.T) {
		ing := new(MockIngester)
		ing.On("Ingest", mock.Anything, mock.Anything).
			Return(&ingest.SubmitResult{EntryID: "e-1", Status: models.StatusDelivered, Duplicate: true}, nil)

		out, err := newTestHandler(t, ing).Execute(ctx, &Input{TenantID: "acme"})
		require.NoError(t, err)
		assert.True(t, out.Duplicate)
		assert.Equal(t, "delivered", out.Status)
	})

	t.Run("service errors keep their code", func(t *testing.T) {
		ing := new(MockIngester)
		ing.On("Ingest", mock.Anything, mock.Anything).
			Return(nil, apperrors.NewStorageError("enqueue", assert.AnError))

		_, err := newTestHandler(t, ing).Execute(ctx, &Input{TenantID: "acme"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStorageFailure))
		assert.Equal(t, 3, apperrors.GetRetryCount(apperrors.CodeOf(err)))
	})
}

func TestConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{MaxJobsActive: 1}).Validate())
	assert.Error(t, (&Config{Timeout: time.Second}).Validate())

	app := &config.Config{Workers: map[string]config.WorkerConfig{
		TaskType: {Enabled: false, MaxJobsActive: 12, Timeout: 5000},
	}}
	cfg := ConfigFromApp(app)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 12, cfg.MaxJobsActive)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	assert.Equal(t, DefaultConfig(), ConfigFromApp(&config.Config{}))
}
