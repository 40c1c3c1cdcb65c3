// Package retry computes the escalation schedule for failed webhook events.
// It only answers "what interval, and is another attempt allowed"; the actual
// re-invocation loop lives outside this service.
package retry

import "time"

// DefaultIntervals is the fixed escalation schedule, indexed by attempt count.
// Attempts beyond the schedule reuse the final interval.
var DefaultIntervals = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// DefaultMaxAttempts is the failure count after which an event dead-letters.
const DefaultMaxAttempts = 5

type Policy struct {
	Intervals   []time.Duration
	MaxAttempts int
}

func Default() Policy {
	return Policy{
		Intervals:   DefaultIntervals,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) withDefaults() Policy {
	if len(p.Intervals) == 0 {
		p.Intervals = DefaultIntervals
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Interval returns the wait before the next attempt, given how many attempts
// have already failed. Attempt 1 maps to the first interval.
func (p Policy) Interval(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(p.Intervals) {
		attempts = len(p.Intervals)
	}
	return p.Intervals[attempts-1]
}

// CanRetry reports whether another attempt is allowed after `attempts`
// failures; once it returns false the event moves to the dead-letter state.
func (p Policy) CanRetry(attempts int) bool {
	p = p.withDefaults()
	return attempts < p.MaxAttempts
}
