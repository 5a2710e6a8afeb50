// Package ratelimit enforces fixed-window send quotas per tenant and channel.
package ratelimit

import (
	"fmt"
	"time"

	"notification-dispatch/internal/models"
)

// Window is the size of a fixed counting window. Windows are aligned to UTC.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Windows lists every window size from shortest to longest.
var Windows = []Window{WindowHour, WindowDay, WindowMonth}

// Start returns the beginning of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	t := now.UTC()
	switch w {
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the beginning of the window after the one containing now.
func (w Window) Next(now time.Time) time.Time {
	s := w.Start(now)
	switch w {
	case WindowHour:
		return s.Add(time.Hour)
	case WindowDay:
		return s.AddDate(0, 0, 1)
	default:
		return s.AddDate(0, 1, 0)
	}
}

// Limit returns the quota of q for this window; zero or less is unbounded.
func (w Window) Limit(q models.Quota) int64 {
	switch w {
	case WindowHour:
		return q.Hour
	case WindowDay:
		return q.Day
	default:
		return q.Month
	}
}

func counterKey(tenantID string, ch models.Channel, w Window, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", tenantID, ch, w, start.Unix())
}

// Result is the outcome of an Acquire call. When Allowed is false, Window is
// the exhausted window and RetryAt the start of the next one.
type Result struct {
	Allowed bool
	Window  Window
	RetryAt time.Time
}

// Usage is the current count of one window.
type Usage struct {
	Channel     models.Channel `json:"channel"`
	Window      Window         `json:"window"`
	WindowStart time.Time      `json:"windowStart"`
	ResetsAt    time.Time      `json:"resetsAt"`
	Used        int64          `json:"used"`
	Limit       int64          `json:"limit"`
}

func rejected(w Window, now time.Time) Result {
	return Result{Allowed: false, Window: w, RetryAt: w.Next(now)}
}
