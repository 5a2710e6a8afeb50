package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"notification-dispatch/internal/models"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayMonotoneAndBounded(t *testing.T) {
	policies := []Policy{
		{BaseDelay: 30 * time.Second, MaxDelay: time.Hour},
		{BaseDelay: time.Millisecond, MaxDelay: 7 * time.Millisecond},
		{BaseDelay: time.Minute, MaxDelay: time.Minute},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for a := 1; a <= 200; a++ {
			d := p.Delay(a)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
	}
}

func TestPolicy_DelayUncappedSaturates(t *testing.T) {
	p := Policy{BaseDelay: 30 * time.Second}
	prev := time.Duration(0)
	for a := 1; a <= 70; a++ {
		d := p.Delay(a)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", a)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(35))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(70))
}

func TestPolicy_Next(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}

	d := p.Next(1, now)
	assert.False(t, d.Dead)
	assert.Equal(t, now.Add(time.Minute), d.RetryAt)

	d = p.Next(2, now)
	assert.False(t, d.Dead)
	assert.Equal(t, now.Add(2*time.Minute), d.RetryAt)

	assert.True(t, p.Next(3, now).Dead)
	assert.True(t, p.Next(4, now).Dead)
}

func TestFromModel(t *testing.T) {
	p := FromModel(models.RetryPolicy{MaxAttempts: 5, BaseDelay: models.Duration(time.Second), MaxDelay: models.Duration(time.Minute)})
	assert.Equal(t, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, p)
}
