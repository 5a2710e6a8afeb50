// Package dispatcher runs the worker pool that claims queue entries, applies
// the dispatch-time gates and hands entries to their channel.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/common/observability"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/ratelimit"
	"notification-dispatch/internal/notification/webhook"
)

const (
	defaultMaxDeferrals        = 24
	defaultConcurrencyDeferral = time.Second
)

// TenantConfigs resolves the merged configuration of a tenant.
type TenantConfigs interface {
	Config(ctx context.Context, tenantID string) (*models.TenantConfig, error)
}

// Preferences is satisfied by *preference.Filter.
type Preferences interface {
	Evaluate(ctx context.Context, tenant *models.TenantConfig, tenantID string, recipient models.RecipientRef,
		typeCode string, channel models.Channel, now time.Time) (models.PreferenceDecision, error)
}

// Webhooks is satisfied by *webhook.Engine. Admit runs before the channel
// quota is charged so a busy or disabled webhook costs no quota.
type Webhooks interface {
	Admit(ctx context.Context, entry *models.QueueEntry, cfg *models.TenantConfig) (*webhook.Admission, error)
	Send(ctx context.Context, adm *webhook.Admission, entry *models.QueueEntry, cfg *models.TenantConfig) models.SendResult
	Finish(ctx context.Context, entry *models.QueueEntry, delivered bool, cfg *models.TenantConfig)
}

// Recorder is satisfied by *tracker.Tracker.
type Recorder interface {
	Record(ctx context.Context, ev *models.DeliveryEvent) error
}

// Config sizes the pool.
type Config struct {
	Workers           int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// MaxDeferrals bounds rate-limit deferrals when the tenant sets none.
	MaxDeferrals int
	// ConcurrencyDeferral is how far a webhook entry is pushed back when its
	// tenant has no free slot.
	ConcurrencyDeferral time.Duration
	// WorkerPrefix names lease owners; defaults to the host name.
	WorkerPrefix string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = time.Minute
	}
	if c.MaxDeferrals <= 0 {
		c.MaxDeferrals = defaultMaxDeferrals
	}
	if c.ConcurrencyDeferral <= 0 {
		c.ConcurrencyDeferral = defaultConcurrencyDeferral
	}
	if c.WorkerPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "dispatcher"
		}
		c.WorkerPrefix = host
	}
}

// Deps are the collaborators of a Dispatcher. Webhooks may be nil when no
// webhook engine is wired; webhook entries then fail permanently.
type Deps struct {
	Queue       queue.Queue
	Tenants     TenantConfigs
	Preferences Preferences
	Limiter     ratelimit.Limiter
	Senders     *channel.Registry
	Directory   channel.Directory
	Webhooks    Webhooks
	Recorder    Recorder
	Obs         *observability.Observability
}

type Dispatcher struct {
	Deps
	cfg    Config
	logger logger.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, log logger.Logger) *Dispatcher {
	cfg.applyDefaults()
	if deps.Obs == nil {
		deps.Obs = observability.NewNoop()
	}
	return &Dispatcher{
		Deps:   deps,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "dispatcher"}),
		now:    time.Now,
	}
}

// Run polls the queue from cfg.Workers goroutines until ctx is cancelled.
// Workers finish the entry they hold before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", d.cfg.WorkerPrefix, i)
		g.Go(func() error {
			d.poll(ctx, worker)
			return nil
		})
	}
	d.logger.Info("dispatcher started", map[string]interface{}{
		"workers":   d.cfg.Workers,
		"batchSize": d.cfg.BatchSize,
	})
	err := g.Wait()
	d.logger.Info("dispatcher stopped", nil)
	return err
}

func (d *Dispatcher) poll(ctx context.Context, worker string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// A full batch means more work is probably due: poll again at once.
		for {
			n, err := d.RunOnce(context.WithoutCancel(ctx), worker)
			if err != nil {
				d.logger.Error("dequeue failed", map[string]interface{}{"worker": worker, "error": err.Error()})
				break
			}
			if n < d.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch for worker and processes it. It returns the
// number of entries claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, worker string) (int, error) {
	entries, err := d.Queue.DequeueBatch(ctx, d.cfg.BatchSize, worker, d.now().UTC(), d.cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	metrics.QueueClaims.Add(float64(len(entries)))
	for _, e := range entries {
		d.Process(ctx, worker, e)
	}
	return len(entries), nil
}
