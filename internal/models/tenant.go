package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a Go duration string and accepts either a string
// ("30s") or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Quota bounds sends per fixed window. Zero means unlimited.
type Quota struct {
	Hour  int64 `json:"hour" mapstructure:"hour"`
	Day   int64 `json:"day" mapstructure:"day"`
	Month int64 `json:"month" mapstructure:"month"`
}

// Unlimited reports whether no window is bounded.
func (q Quota) Unlimited() bool {
	return q.Hour <= 0 && q.Day <= 0 && q.Month <= 0
}

// RetryPolicy is the backoff configuration for one channel.
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts"`
	BaseDelay   Duration `json:"base_delay"`
	MaxDelay    Duration `json:"max_delay"`
}

// merge overlays the non-zero fields of o onto p.
func (p RetryPolicy) merge(o *RetryPolicy) RetryPolicy {
	if o == nil {
		return p
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		p.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	return p
}

// TenantConfig is the single per-tenant settings record consulted for every
// dispatch decision. Stored documents only carry overrides; the tenant store
// merges them over system defaults.
type TenantConfig struct {
	TenantID                string                  `json:"tenant_id"`
	DefaultLanguage         string                  `json:"default_language,omitempty"`
	ChannelRateLimits       map[Channel]Quota       `json:"channel_rate_limits,omitempty"`
	Retry                   *RetryPolicy            `json:"retry,omitempty"`
	ChannelRetry            map[Channel]RetryPolicy `json:"channel_retry,omitempty"`
	QuietHours              *QuietHours             `json:"quiet_hours,omitempty"`
	WebhookTimeoutSeconds   int                     `json:"webhook_timeout_seconds,omitempty"`
	WebhookRetryAttempts    int                     `json:"webhook_retry_attempts,omitempty"`
	WebhookAutoDisableAfter int                     `json:"webhook_auto_disable_after,omitempty"`
	WebhookConcurrency      int                     `json:"webhook_concurrency,omitempty"`
	MaxRateLimitDeferrals   int                     `json:"max_rate_limit_deferrals,omitempty"`
}

// QuotaFor returns the rate limit of a channel.
func (t *TenantConfig) QuotaFor(ch Channel) Quota {
	if t.ChannelRateLimits == nil {
		return Quota{}
	}
	return t.ChannelRateLimits[ch]
}

// RetryPolicyFor resolves the effective policy. A channel_retry entry wins
// over the tenant-wide retry, field by field. On a merged config the order
// is system retry, system channel_retry, tenant retry, tenant channel_retry.
// Webhooks use webhook_retry_attempts as their cap.
func (t *TenantConfig) RetryPolicyFor(ch Channel) RetryPolicy {
	p := RetryPolicy{}.merge(t.Retry)
	if c, ok := t.ChannelRetry[ch]; ok {
		p = p.merge(&c)
	}
	if ch == ChannelWebhook && t.WebhookRetryAttempts > 0 {
		p.MaxAttempts = t.WebhookRetryAttempts
	}
	return p
}

// WebhookTimeout returns the per-call webhook timeout.
func (t *TenantConfig) WebhookTimeout() time.Duration {
	if t.WebhookTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.WebhookTimeoutSeconds) * time.Second
}

// Merge overlays the overrides in o onto a copy of t (the defaults).
func (t TenantConfig) Merge(o *TenantConfig) *TenantConfig {
	out := t
	out.ChannelRateLimits = make(map[Channel]Quota, len(t.ChannelRateLimits))
	for k, v := range t.ChannelRateLimits {
		out.ChannelRateLimits[k] = v
	}
	out.ChannelRetry = make(map[Channel]RetryPolicy, len(t.ChannelRetry))
	for k, v := range t.ChannelRetry {
		out.ChannelRetry[k] = v
	}
	if o == nil {
		return &out
	}
	out.TenantID = o.TenantID
	if o.DefaultLanguage != "" {
		out.DefaultLanguage = o.DefaultLanguage
	}
	for k, v := range o.ChannelRateLimits {
		out.ChannelRateLimits[k] = v
	}
	if o.Retry != nil {
		r := RetryPolicy{}.merge(t.Retry).merge(o.Retry)
		out.Retry = &r
		for k, v := range out.ChannelRetry {
			out.ChannelRetry[k] = v.merge(o.Retry)
		}
	}
	for k, v := range o.ChannelRetry {
		out.ChannelRetry[k] = out.ChannelRetry[k].merge(&v)
	}
	if o.QuietHours != nil {
		q := *o.QuietHours
		out.QuietHours = &q
	}
	if o.WebhookTimeoutSeconds > 0 {
		out.WebhookTimeoutSeconds = o.WebhookTimeoutSeconds
	}
	if o.WebhookRetryAttempts > 0 {
		out.WebhookRetryAttempts = o.WebhookRetryAttempts
	}
	if o.WebhookAutoDisableAfter > 0 {
		out.WebhookAutoDisableAfter = o.WebhookAutoDisableAfter
	}
	if o.WebhookConcurrency > 0 {
		out.WebhookConcurrency = o.WebhookConcurrency
	}
	if o.MaxRateLimitDeferrals > 0 {
		out.MaxRateLimitDeferrals = o.MaxRateLimitDeferrals
	}
	return &out
}
