package ratelimit

import (
	"context"
	"sync"
	"time"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/models"
)

// Limiter counts dispatch attempts. Acquire increments every bounded window
// containing now and, if any post-increment count exceeds its quota, rolls
// all of them back and reports the exhausted window. Implementations must be
// safe for concurrent use by many dispatch workers.
type Limiter interface {
	Acquire(ctx context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) (Result, error)
	Usage(ctx context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) ([]Usage, error)
}

type series struct {
	tenantID string
	channel  models.Channel
	window   Window
}

type counter struct {
	start time.Time
	n     int64
}

// MemoryLimiter keeps counters in process. A counter whose window has
// passed is reset on the next touch.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[series]*counter
	logger   logger.Logger
}

func NewMemoryLimiter(log logger.Logger) *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[series]*counter),
		logger:   log.WithFields(map[string]interface{}{"component": "rate-limiter", "backend": "memory"}),
	}
}

func (l *MemoryLimiter) current(s series, now time.Time) *counter {
	start := s.window.Start(now)
	c, ok := l.counters[s]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		l.counters[s] = c
	}
	return c
}

func (l *MemoryLimiter) Acquire(_ context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) (Result, error) {
	if quota.Unlimited() {
		return Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var bumped []*counter
	var exceeded Window
	for _, w := range Windows {
		limit := w.Limit(quota)
		if limit <= 0 {
			continue
		}
		c := l.current(series{tenantID, ch, w}, now)
		c.n++
		bumped = append(bumped, c)
		if c.n > limit {
			exceeded = w
		}
	}
	if exceeded == "" {
		return Result{Allowed: true}, nil
	}
	for _, c := range bumped {
		c.n--
	}

	metrics.RateLimited.WithLabelValues(string(ch), string(exceeded)).Inc()
	l.logger.Debug("quota exhausted", map[string]interface{}{
		"tenantId": tenantID,
		"channel":  string(ch),
		"window":   string(exceeded),
	})
	return rejected(exceeded, now), nil
}

func (l *MemoryLimiter) Usage(_ context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Usage, 0, len(Windows))
	for _, w := range Windows {
		u := Usage{Channel: ch, Window: w, WindowStart: w.Start(now), ResetsAt: w.Next(now), Limit: w.Limit(quota)}
		if c, ok := l.counters[series{tenantID, ch, w}]; ok && c.start.Equal(u.WindowStart) {
			u.Used = c.n
		}
		out = append(out, u)
	}
	return out, nil
}
