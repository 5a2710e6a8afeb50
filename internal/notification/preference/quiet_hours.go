package preference

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"notification-dispatch/internal/models"
)

// Window is a parsed daily quiet-hours window in a fixed location.
type Window struct {
	start, end int // minutes after local midnight
	loc        *time.Location
}

// ParseWindow validates a QuietHours record. An empty timezone means UTC.
func ParseWindow(q models.QuietHours) (Window, error) {
	start, err := parseClock(q.Start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClock(q.End)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours end: %w", err)
	}
	loc := time.UTC
	if q.Timezone != "" {
		if loc, err = time.LoadLocation(q.Timezone); err != nil {
			return Window{}, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	return Window{start: start, end: end, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ActiveAt reports whether now falls inside the window and, if so, when the
// window ends (in UTC). Windows crossing midnight are supported; start ==
// end is an empty window.
func (w Window) ActiveAt(now time.Time) (time.Time, bool) {
	if w.start == w.end {
		return time.Time{}, false
	}
	local := now.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	y, mo, d := local.Date()
	endAt := func(dayOffset int) time.Time {
		return time.Date(y, mo, d+dayOffset, w.end/60, w.end%60, 0, 0, w.loc).UTC()
	}

	if w.start < w.end {
		if minute >= w.start && minute < w.end {
			return endAt(0), true
		}
		return time.Time{}, false
	}
	switch {
	case minute >= w.start:
		return endAt(1), true
	case minute < w.end:
		return endAt(0), true
	}
	return time.Time{}, false
}
