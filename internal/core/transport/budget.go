package transport

import "time"

// Budget tracks consecutive request failures and decides when the transport
// should stop issuing requests entirely instead of hammering a controller
// that is down or unreachable. A burst of consecutive failures collapses
// into a single cool-down period rather than an unbounded retry storm.
type Budget struct {
	limit         uint
	retryInterval time.Duration

	consecutiveErrors uint
	lastSuccess       time.Time
}

// NewBudget creates a budget that throttles after limit consecutive
// failures and re-admits traffic once retryInterval has elapsed.
func NewBudget(limit uint, retryInterval time.Duration) *Budget {
	return &Budget{limit: limit, retryInterval: retryInterval}
}

// RecordOutcome notes the result of a request. Success zeroes the error
// counter and stamps the success time; failure increments the counter.
func (b *Budget) RecordOutcome(success bool, now time.Time) {
	if success {
		b.consecutiveErrors = 0
		b.lastSuccess = now
		return
	}
	b.consecutiveErrors++
}

// ShouldThrottle reports whether the next request must be short-circuited
// without any network I/O.
//
// The retry window is anchored at the moment saturation is first detected,
// not at the last attempt: the first call after the counter crosses the
// limit re-stamps the success time, and failures recorded while throttled
// do not extend the wait. Unusual, but intentional — consumers depend on
// this exact cadence.
func (b *Budget) ShouldThrottle(now time.Time) bool {
	if b.consecutiveErrors < b.limit {
		return false
	}

	if b.consecutiveErrors == b.limit {
		b.consecutiveErrors++
		b.lastSuccess = now
		return true
	}

	if now.After(b.lastSuccess.Add(b.retryInterval)) {
		b.consecutiveErrors = 0
		return false
	}
	return true
}

// ConsecutiveErrors returns the current failure count.
func (b *Budget) ConsecutiveErrors() uint {
	return b.consecutiveErrors
}
