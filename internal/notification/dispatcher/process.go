package dispatcher

import (
	"context"
	"errors"
	"time"

	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/retry"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/internal/notification/webhook"
)

// Process runs one claimed entry through the gates (cancel, expiry,
// preferences, webhook admission, rate limit), sends it and releases it
// with its new state. Errors are logged; an entry whose release fails keeps
// its lease and is reclaimed once the lease expires.
func (d *Dispatcher) Process(ctx context.Context, worker string, entry *models.QueueEntry) {
	start := time.Now()
	ch := entry.Channel()
	ctx, span := d.Obs.StartSpan(ctx, "dispatch.process", map[string]string{
		"tenant.id": entry.TenantID,
		"entry.id":  entry.ID,
		"channel":   string(ch),
	})
	defer span.End()

	log := d.logger.WithFields(map[string]interface{}{
		"entryId":  entry.ID,
		"tenantId": entry.TenantID,
		"channel":  string(ch),
		"worker":   worker,
	})

	cfg, err := d.Tenants.Config(ctx, entry.TenantID)
	if err != nil {
		log.Error("tenant config unavailable, leaving entry to lease expiry", map[string]interface{}{"error": err.Error()})
		return
	}

	outcome := d.process(ctx, worker, entry, cfg)
	d.Obs.RecordEntryProcessed(ctx, string(ch), outcome, time.Since(start))
}

// process returns a short outcome label for metrics.
func (d *Dispatcher) process(ctx context.Context, worker string, entry *models.QueueEntry, cfg *models.TenantConfig) string {
	now := d.now().UTC()

	if entry.CancelRequested {
		d.release(ctx, worker, entry, models.Release{
			Status: models.StatusFailed, Attempts: entry.Attempts, Deferrals: entry.Deferrals, Reason: models.ReasonCancelled,
		}, nil)
		return "cancelled"
	}
	if entry.Notification != nil && entry.Notification.Expired(now) {
		d.release(ctx, worker, entry, models.Release{
			Status: models.StatusFailed, Attempts: entry.Attempts, Deferrals: entry.Deferrals, Reason: models.ReasonExpired,
		}, nil)
		return "expired"
	}

	if entry.Kind == models.KindNotification && entry.Notification != nil {
		n := entry.Notification
		dec, err := d.Preferences.Evaluate(ctx, cfg, entry.TenantID, n.Recipient, n.TypeCode, n.Channel, now)
		if err != nil {
			d.logger.Error("preference check failed", map[string]interface{}{"entryId": entry.ID, "error": err.Error()})
			return "error"
		}
		switch dec.Outcome {
		case models.Suppressed:
			d.release(ctx, worker, entry, models.Release{
				Status: models.StatusFailed, Attempts: entry.Attempts, Deferrals: entry.Deferrals, Reason: dec.Reason,
			}, nil)
			return "suppressed"
		case models.Deferred:
			d.release(ctx, worker, entry, models.Release{
				Status: models.StatusPending, NextEligibleAt: dec.Until, Attempts: entry.Attempts,
				Deferrals: entry.Deferrals, Reason: dec.Reason,
			}, nil)
			return "deferred"
		}
	}

	var adm *webhook.Admission
	if entry.Kind == models.KindWebhook && entry.Webhook != nil && d.Webhooks != nil {
		var err error
		adm, err = d.Webhooks.Admit(ctx, entry, cfg)
		switch {
		case errors.Is(err, webhook.ErrInactive):
			d.release(ctx, worker, entry, models.Release{
				Status: models.StatusFailed, Attempts: entry.Attempts, Deferrals: entry.Deferrals,
				Reason: models.ReasonWebhookDisabled, Webhook: entry.Webhook,
			}, nil)
			return "webhook_disabled"
		case errors.Is(err, webhook.ErrTenantBusy):
			d.release(ctx, worker, entry, models.Release{
				Status: models.StatusPending, NextEligibleAt: now.Add(d.cfg.ConcurrencyDeferral), Attempts: entry.Attempts,
				Deferrals: entry.Deferrals, Reason: models.ReasonTenantConcurrency, Webhook: entry.Webhook,
			}, nil)
			return "tenant_busy"
		case err != nil:
			return d.settleAttempt(ctx, worker, entry, cfg, models.TransientFailure(err.Error()))
		}
		defer adm.Release()
	}

	if label, stop := d.acquireQuota(ctx, worker, entry, cfg, now); stop {
		return label
	}

	res := d.send(ctx, entry, cfg, adm)
	return d.settleAttempt(ctx, worker, entry, cfg, res)
}

// acquireQuota consumes one unit of the channel quota. When the quota is
// exhausted the entry is deferred to the next window, or parked dead once
// it ran out of deferrals; stop is true in both cases.
func (d *Dispatcher) acquireQuota(ctx context.Context, worker string, entry *models.QueueEntry, cfg *models.TenantConfig, now time.Time) (string, bool) {
	ch := entry.Channel()
	quota := cfg.QuotaFor(ch)
	if quota.Unlimited() {
		return "", false
	}
	res, err := d.Limiter.Acquire(ctx, entry.TenantID, ch, quota, now)
	if err != nil {
		d.logger.Error("rate limiter unavailable", map[string]interface{}{"entryId": entry.ID, "error": err.Error()})
		return "error", true
	}
	if res.Allowed {
		return "", false
	}

	maxDeferrals := cfg.MaxRateLimitDeferrals
	if maxDeferrals <= 0 {
		maxDeferrals = d.cfg.MaxDeferrals
	}
	deferrals := entry.Deferrals + 1
	if deferrals > maxDeferrals {
		d.release(ctx, worker, entry, models.Release{
			Status: models.StatusDead, Attempts: entry.Attempts, Deferrals: entry.Deferrals,
			Reason: models.ReasonDeferralsExhausted, LastError: "rate limited in window " + string(res.Window),
			Webhook: entry.Webhook,
		}, nil)
		return "dead", true
	}
	d.release(ctx, worker, entry, models.Release{
		Status: models.StatusPending, NextEligibleAt: res.RetryAt, Attempts: entry.Attempts, Deferrals: deferrals,
		Reason: models.ReasonRateLimited, LastError: entry.LastError, Webhook: entry.Webhook,
	}, nil)
	return "rate_limited", true
}

func (d *Dispatcher) send(ctx context.Context, entry *models.QueueEntry, cfg *models.TenantConfig, adm *webhook.Admission) models.SendResult {
	if entry.Kind == models.KindWebhook {
		if adm == nil {
			if entry.Webhook == nil {
				return models.PermanentFailure("entry carries no webhook delivery")
			}
			return models.PermanentFailure("webhook delivery is not configured")
		}
		return d.Webhooks.Send(ctx, adm, entry, cfg)
	}

	n := entry.Notification
	if n == nil {
		return models.PermanentFailure("entry carries no notification")
	}
	address := n.Address
	if address == "" {
		var err error
		address, err = d.Directory.Resolve(ctx, entry.TenantID, n.Recipient, n.Channel)
		if errors.Is(err, channel.ErrNoAddress) {
			return models.PermanentFailure("no " + string(n.Channel) + " address for " + n.Recipient.String())
		}
		if err != nil {
			return models.TransientFailure("address lookup failed: " + err.Error())
		}
	}

	start := time.Now()
	res := d.Senders.Send(ctx, n.Channel, channel.Message{
		EntryID:  entry.ID,
		TenantID: entry.TenantID,
		Address:  address,
		Content:  n.Content,
	})
	metrics.DispatchDuration.WithLabelValues(string(n.Channel)).Observe(time.Since(start).Seconds())
	return res
}

// settleAttempt applies the retry policy to the outcome of one attempt.
func (d *Dispatcher) settleAttempt(ctx context.Context, worker string, entry *models.QueueEntry, cfg *models.TenantConfig, res models.SendResult) string {
	ch := entry.Channel()
	attempt := entry.Attempts + 1
	metrics.DispatchAttempts.WithLabelValues(string(ch), string(res.Outcome)).Inc()

	rel := models.Release{Attempts: attempt, Deferrals: entry.Deferrals, Webhook: entry.Webhook}
	switch res.Outcome {
	case models.OutcomeDelivered:
		rel.Status = models.StatusDelivered
		rel.Reason = models.ReasonDelivered
	case models.OutcomePermanent:
		rel.Status = models.StatusFailed
		rel.Reason = models.ReasonPermanentFailure
		rel.LastError = res.Reason
	default:
		decision := retry.FromModel(cfg.RetryPolicyFor(ch)).Next(attempt, d.now().UTC())
		rel.LastError = res.Reason
		if decision.Dead {
			rel.Status = models.StatusDead
			rel.Reason = models.ReasonAttemptsExhausted
		} else {
			rel.Status = models.StatusPending
			rel.Reason = models.ReasonRetry
			rel.NextEligibleAt = decision.RetryAt
			if entry.Webhook != nil {
				at := decision.RetryAt
				entry.Webhook.NextRetryAt = &at
			}
		}
	}
	if rel.Status != models.StatusPending && entry.Webhook != nil {
		entry.Webhook.NextRetryAt = nil
	}

	updated := d.release(ctx, worker, entry, rel, &res)
	if updated != nil && entry.Kind == models.KindWebhook && d.Webhooks != nil {
		switch updated.Status {
		case models.StatusDelivered:
			d.Webhooks.Finish(ctx, updated, true, cfg)
		case models.StatusDead:
			d.Webhooks.Finish(ctx, updated, false, cfg)
		}
	}
	return string(rel.Status)
}

// release hands the entry back to the queue and records the transition.
// It returns nil when the lease was lost or the queue failed.
func (d *Dispatcher) release(ctx context.Context, worker string, entry *models.QueueEntry, rel models.Release, res *models.SendResult) *models.QueueEntry {
	updated, err := d.Queue.Release(ctx, entry.ID, worker, rel)
	if err != nil {
		fields := map[string]interface{}{"entryId": entry.ID, "worker": worker, "status": string(rel.Status), "error": err.Error()}
		if errors.Is(err, queue.ErrLeaseLost) {
			d.logger.Warn("lease lost before release, another worker owns the entry", fields)
		} else {
			d.logger.Error("release failed", fields)
		}
		return nil
	}

	if rel.Status == models.StatusDead {
		metrics.DeadEntries.WithLabelValues(string(entry.Kind), rel.Reason).Inc()
		d.logger.Warn("entry is dead", map[string]interface{}{
			"entryId": entry.ID, "tenantId": entry.TenantID, "reason": rel.Reason, "lastError": rel.LastError,
		})
	}

	ev := tracker.Transition(updated, models.StatusInFlight, rel.Status, rel.Reason, d.now().UTC())
	if res != nil {
		ev.ProviderMessageID = res.ProviderMessageID
		if len(res.Metadata) > 0 || res.Reason != "" {
			ev.ProviderResponse = make(map[string]string, len(res.Metadata)+1)
			for k, v := range res.Metadata {
				ev.ProviderResponse[k] = v
			}
			if res.Reason != "" {
				ev.ProviderResponse["reason"] = res.Reason
			}
		}
	}
	if err := d.Recorder.Record(ctx, ev); err != nil {
		d.logger.Error("failed to record delivery event", map[string]interface{}{"entryId": entry.ID, "error": err.Error()})
	}
	return updated
}
