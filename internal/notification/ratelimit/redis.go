package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/metrics"
	"notification-dispatch/internal/models"
)

// acquireScript increments every window counter and undoes all of them when
// one exceeds its quota, so a rejected attempt never counts. It returns the
// 1-based index of the longest exceeded window, or 0 when allowed.
//
// KEYS[i]      counter for window i
// ARGV[2i-1]   quota of window i
// ARGV[2i]     counter TTL in milliseconds
var acquireScript = redis.NewScript(`
local n = #KEYS
local counts = {}
for i = 1, n do
  local c = redis.call('INCR', KEYS[i])
  if c == 1 then
    redis.call('PEXPIRE', KEYS[i], ARGV[2 * i])
  end
  counts[i] = c
end
for i = n, 1, -1 do
  if counts[i] > tonumber(ARGV[2 * i - 1]) then
    for j = 1, n do
      redis.call('DECR', KEYS[j])
    end
    return i
  end
end
return 0
`)

// counterGrace keeps a counter readable for a while after its window closes.
const counterGrace = time.Hour

// RedisLimiter shares counters between dispatcher processes.
type RedisLimiter struct {
	rdb    redis.Cmdable
	logger logger.Logger
}

func NewRedisLimiter(rdb redis.Cmdable, log logger.Logger) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		logger: log.WithFields(map[string]interface{}{"component": "rate-limiter", "backend": "redis"}),
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) (Result, error) {
	if quota.Unlimited() {
		return Result{Allowed: true}, nil
	}

	var (
		keys    []string
		args    []interface{}
		windows []Window
	)
	for _, w := range Windows {
		limit := w.Limit(quota)
		if limit <= 0 {
			continue
		}
		ttl := w.Next(now).Sub(now) + counterGrace
		keys = append(keys, counterKey(tenantID, ch, w, w.Start(now)))
		args = append(args, limit, ttl.Milliseconds())
		windows = append(windows, w)
	}

	idx, err := acquireScript.Run(ctx, l.rdb, keys, args...).Int()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if idx == 0 {
		return Result{Allowed: true}, nil
	}
	if idx < 1 || idx > len(windows) {
		return Result{}, fmt.Errorf("rate limit script returned window %d of %d", idx, len(windows))
	}

	w := windows[idx-1]
	metrics.RateLimited.WithLabelValues(string(ch), string(w)).Inc()
	l.logger.Debug("quota exhausted", map[string]interface{}{
		"tenantId": tenantID,
		"channel":  string(ch),
		"window":   string(w),
	})
	return rejected(w, now), nil
}

func (l *RedisLimiter) Usage(ctx context.Context, tenantID string, ch models.Channel, quota models.Quota, now time.Time) ([]Usage, error) {
	out := make([]Usage, 0, len(Windows))
	for _, w := range Windows {
		u := Usage{Channel: ch, Window: w, WindowStart: w.Start(now), ResetsAt: w.Next(now), Limit: w.Limit(quota)}
		val, err := l.rdb.Get(ctx, counterKey(tenantID, ch, w, u.WindowStart)).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return nil, fmt.Errorf("read %s counter: %w", w, err)
		default:
			if u.Used, err = strconv.ParseInt(val, 10, 64); err != nil {
				return nil, fmt.Errorf("parse %s counter: %w", w, err)
			}
		}
		out = append(out, u)
	}
	return out, nil
}
