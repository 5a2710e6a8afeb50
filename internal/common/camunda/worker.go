// internal/common/camunda/worker.go
package camunda

import (
	"context"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
)

// JobHandler is implemented by every job worker handler.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job)
}

type Worker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

// WorkerOptions are the per-worker settings taken from configuration.
type WorkerOptions struct {
	MaxJobsActive int
	Timeout       time.Duration
}

// NewWorker opens a job worker for taskType and starts polling immediately.
func NewWorker(client zbc.Client, taskType string, opts WorkerOptions, handler JobHandler, log logger.Logger) *Worker {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})

	builder := client.NewJobWorker().
		JobType(taskType).
		Handler(func(jc worker.JobClient, job entities.Job) {
			start := time.Now()
			handler.Handle(jc, job)
			log.Debug("job handled", map[string]interface{}{
				"jobKey":   job.Key,
				"duration": time.Since(start).String(),
			})
		}).
		MaxJobsActive(opts.MaxJobsActive)
	if opts.Timeout > 0 {
		builder = builder.Timeout(opts.Timeout)
	}

	log.Info("worker started", nil)
	return &Worker{worker: builder.Open(), logger: log, taskType: taskType}
}

// Stop closes the job worker and waits for in-flight handlers.
func (w *Worker) Stop(ctx context.Context) {
	w.logger.Info("stopping worker", nil)
	done := make(chan struct{})
	go func() {
		w.worker.Close()
		w.worker.AwaitClose()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out", nil)
	}
}

// RecordCompleted and RecordFailed keep the worker job counters in one place.
func RecordCompleted(taskType string) {
	metrics.WorkerJobsCompleted.WithLabelValues(taskType).Inc()
}

func RecordFailed(taskType, code string) {
	metrics.WorkerJobsFailed.WithLabelValues(taskType, code).Inc()
}
