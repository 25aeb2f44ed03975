// Package retry computes the persisted retry schedules of trigger execution
// and webhook delivery.
package retry

import (
	"math/rand"
	"time"
)

// Schedule is a fixed table of delays with proportional jitter. Attempt n
// (1-based, counting the attempt that just failed) waits Delays[n-1]; attempts
// past the table reuse the last delay.
type Schedule struct {
	Delays      []time.Duration
	Jitter      float64
	MaxAttempts int
}

// Webhook paces deliveries to operator endpoints. Receivers may be down for
// hours, so the tail is long.
var Webhook = Schedule{
	Delays: []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		30 * time.Minute,
		2 * time.Hour,
		12 * time.Hour,
	},
	Jitter:      0.2,
	MaxAttempts: 5,
}

// Trigger paces trigger execution. Failures are mostly the movement module
// or SMTP relay being briefly unavailable, and a notification older than a
// few hours is of little use.
var Trigger = Schedule{
	Delays: []time.Duration{
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		1 * time.Hour,
	},
	Jitter:      0.2,
	MaxAttempts: 5,
}

// Delay returns the jittered wait after the given failed attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(s.Delays)-1)
	base := float64(s.Delays[idx])
	jitter := (rand.Float64()*2 - 1) * base * s.Jitter
	return time.Duration(base + jitter)
}

// NextAt returns when the next attempt is due.
func (s Schedule) NextAt(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}

// Exhausted reports whether no attempt is left. A non-positive max falls
// back to the schedule's own limit.
func (s Schedule) Exhausted(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = s.MaxAttempts
	}
	return attempts >= maxAttempts
}

// Window is the longest span a fully failing item stays in retry,
// jitter included.
func (s Schedule) Window() time.Duration {
	var total time.Duration
	for i := 1; i < s.MaxAttempts; i++ {
		total += s.Delays[min(i-1, len(s.Delays)-1)]
	}
	return time.Duration(float64(total) * (1 + s.Jitter))
}
