// Package retry computes exponential backoff schedules for failed deliveries.
package retry

import (
	"math"
	"time"

	"notification-dispatch/internal/models"
)

// Policy is a channel's retry configuration.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// FromModel converts a tenant-level policy.
func FromModel(p models.RetryPolicy) Policy {
	return Policy{MaxAttempts: p.MaxAttempts, BaseDelay: p.BaseDelay.Std(), MaxDelay: p.MaxDelay.Std()}
}

// Delay returns base * 2^(attempt-1), capped at MaxDelay. Attempts count from 1.
// Without a cap the delay saturates at the largest time.Duration.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		next := d * 2
		if next < d { // overflow
			d = time.Duration(math.MaxInt64)
			break
		}
		d = next
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Decision is the verdict of Next.
type Decision struct {
	Dead    bool
	RetryAt time.Time
	Delay   time.Duration
}

// Next decides what happens after the attempt-th failed attempt: another try
// after the backoff delay, or dead once MaxAttempts is reached.
func (p Policy) Next(attempt int, now time.Time) Decision {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return Decision{Dead: true}
	}
	d := p.Delay(attempt)
	return Decision{RetryAt: now.Add(d), Delay: d}
}
