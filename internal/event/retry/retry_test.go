package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalFollowsSchedule(t *testing.T) {
	p := Default()

	assert.Equal(t, 1*time.Minute, p.Interval(1))
	assert.Equal(t, 5*time.Minute, p.Interval(2))
	assert.Equal(t, 15*time.Minute, p.Interval(3))
	assert.Equal(t, 1*time.Hour, p.Interval(4))
	assert.Equal(t, 6*time.Hour, p.Interval(5))
}

func TestIntervalClampsOutOfRangeAttempts(t *testing.T) {
	p := Default()

	assert.Equal(t, 1*time.Minute, p.Interval(0))
	assert.Equal(t, 1*time.Minute, p.Interval(-3))
	assert.Equal(t, 6*time.Hour, p.Interval(6))
	assert.Equal(t, 6*time.Hour, p.Interval(100))
}

func TestCanRetryStopsAtMaxAttempts(t *testing.T) {
	p := Default()

	assert.True(t, p.CanRetry(0))
	assert.True(t, p.CanRetry(4))
	assert.False(t, p.CanRetry(5))
	assert.False(t, p.CanRetry(10))
}

func TestZeroPolicyFallsBackToDefaults(t *testing.T) {
	var p Policy

	assert.Equal(t, 1*time.Minute, p.Interval(1))
	assert.True(t, p.CanRetry(DefaultMaxAttempts-1))
	assert.False(t, p.CanRetry(DefaultMaxAttempts))
}

func TestCustomSchedule(t *testing.T) {
	p := Policy{
		Intervals:   []time.Duration{time.Second, time.Minute},
		MaxAttempts: 2,
	}

	assert.Equal(t, time.Second, p.Interval(1))
	assert.Equal(t, time.Minute, p.Interval(2))
	assert.Equal(t, time.Minute, p.Interval(3))
	assert.True(t, p.CanRetry(1))
	assert.False(t, p.CanRetry(2))
}
