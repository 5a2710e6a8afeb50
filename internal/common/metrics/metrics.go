// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_submitted_total",
			Help: "Notification requests accepted or rejected at ingestion",
		},
		[]string{"channel", "result"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Send attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Duration of one sender or webhook call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Dispatches deferred by a tenant quota",
		},
		[]string{"channel", "window"},
	)

	QueueClaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_claims_total",
			Help: "Entries claimed by dispatcher workers",
		},
	)

	DeadEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_entries_total",
			Help: "Entries that reached the dead state",
		},
		[]string{"kind", "reason"},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook POSTs by HTTP status class",
		},
		[]string{"status"},
	)

	WebhookAutoDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_auto_disabled_total",
			Help: "Webhooks disabled after consecutive exhausted deliveries",
		},
	)

	AnalyticsFolds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_folds_total",
			Help: "Delivery events folded into analytics buckets",
		},
		[]string{"result"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)
)

// StatusClass buckets an HTTP status as "2xx", "4xx", ... or "error" for
// transport failures.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return string(rune('0'+status/100)) + "xx"
}
