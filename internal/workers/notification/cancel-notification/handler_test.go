package cancelnotification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "notification-dispatch/internal/common/errors"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/models"
)

type MockCanceller struct {
	mock.Mock
}

func (m *MockCanceller) Cancel(ctx context.Context, tenantID, id string) (*models.QueueEntry, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueueEntry), args.Error(1)
}

func newTestHandler(t *testing.T, c Canceller) *Handler {
	t.Helper()
	h, err := NewHandler(nil, ServiceDependencies{Canceller: c, Logger: logger.NewTestLogger(t)})
	require.NoError(t, err)
	return h
}

func TestHandler_Execute(t *testing.T) {
	ctx := context.Background()
	in := &Input{TenantID: "acme", EntryID: "e-1"}

	tests := []struct {
		name  string
		entry *models.QueueEntry
		want  Output
	}{
		{
			name:  "pending entry is cancelled",
			entry: &models.QueueEntry{ID: "e-1", Status: models.StatusFailed, Reason: models.ReasonCancelled},
			want:  Output{Cancelled: true, Status: "failed"},
		},
		{
			name:  "in-flight entry is flagged",
			entry: &models.QueueEntry{ID: "e-1", Status: models.StatusInFlight, CancelRequested: true},
			want:  Output{Cancelled: true, Status: "in_flight"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(MockCanceller)
			c.On("Cancel", mock.Anything, "acme", "e-1").Return(tt.entry, nil)

			out, err := newTestHandler(t, c).Execute(ctx, in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *out)
			c.AssertExpectations(t)
		})
	}

	t.Run("finished entry is a conflict", func(t *testing.T) {
		c := new(MockCanceller)
		c.On("Cancel", mock.Anything, "acme", "e-1").
			Return(nil, apperrors.NewConflictError("Notification already finished", "status: delivered"))

		_, err := newTestHandler(t, c).Execute(ctx, in)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
		stdErr, ok := apperrors.AsStandard(err)
		require.True(t, ok)
		assert.Equal(t, "NOTIFICATION_CONFLICT", apperrors.ConvertToBPMNError(stdErr).Code)
	})

	t.Run("missing ids", func(t *testing.T) {
		c := new(MockCanceller)
		_, err := newTestHandler(t, c).Execute(ctx, &Input{TenantID: "acme"})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
		c.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestNewHandler_RequiresCanceller(t *testing.T) {
	_, err := NewHandler(nil, ServiceDependencies{Logger: logger.NewNoOpLogger()})
	assert.Error(t, err)
}
