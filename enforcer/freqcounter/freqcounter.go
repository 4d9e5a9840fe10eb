// Package freqcounter implements the lock-free sliding-window frequency
// counter the bandwidth shaper uses to fair-share a user's byte/sec limit
// across local concurrent requests (§4.1, §9 "Frequency counter"). It
// exposes the three primitives the spec names: Overshoot, RemainingQuota,
// and NextEventDelay.
//
// The counter tracks two one-second buckets (current and previous) using
// atomic operations only, so it is safe to update from many goroutines
// servicing the same user's concurrent requests without a mutex on the
// hot path described in §5.
package freqcounter

import (
	"sync/atomic"
	"time"
)

// Counter is a two-bucket sliding-window byte counter. The zero value is
// ready to use.
type Counter struct {
	sec       atomic.Int64
	count     atomic.Int64
	prevCount atomic.Int64
}

// Add records n units (bytes) at the current wall-clock second.
func (c *Counter) Add(n int64) {
	c.ensureSecond(time.Now().Unix())
	c.count.Add(n)
}

// ensureSecond rotates the buckets forward to now, zeroing stale state.
// Safe for concurrent callers: the CAS on sec ensures exactly one
// goroutine performs the rotation for any given second transition.
func (c *Counter) ensureSecond(now int64) {
	for {
		cur := c.sec.Load()
		if cur == now {
			return
		}
		if c.sec.CompareAndSwap(cur, now) {
			if now == cur+1 {
				c.prevCount.Store(c.count.Swap(0))
			} else {
				// gap of more than one second: both buckets are stale.
				c.prevCount.Store(0)
				c.count.Store(0)
			}
			return
		}
		// Lost the race; another goroutine advanced sec. Loop and
		// re-check — it may already be at `now`.
	}
}

// sum returns bytes recorded within the trailing two-second window as of
// now (the bucket currently being filled plus the one before it).
func (c *Counter) sum(now int64) int64 {
	c.ensureSecond(now)
	return c.count.Load() + c.prevCount.Load()
}

// currentSecondUsage returns bytes recorded so far in the current
// wall-clock second only.
func (c *Counter) currentSecondUsage(now int64) int64 {
	c.ensureSecond(now)
	return c.count.Load()
}

// Overshoot reports how far the counter's two-second-window rate exceeds
// limitPerSec, as a ratio (0 if under or at the limit). A limitPerSec of
// 0 is treated as "unlimited" and never overshoots — callers enforcing a
// hard zero limit should reject before calling Overshoot.
func Overshoot(c *Counter, limitPerSec int64) float64 {
	if limitPerSec <= 0 {
		return 0
	}
	now := time.Now().Unix()
	rate := float64(c.sum(now)) / 2.0
	over := rate/float64(limitPerSec) - 1.0
	if over < 0 {
		return 0
	}
	return over
}

// RemainingQuota returns how many more bytes may be sent within the
// current one-second period before reaching limitPerSec. Never negative.
func RemainingQuota(c *Counter, limitPerSec int64) int64 {
	if limitPerSec <= 0 {
		return 0
	}
	now := time.Now().Unix()
	used := c.currentSecondUsage(now)
	remaining := limitPerSec - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NextEventDelay estimates how long to wait before quota is next
// available, given the current period's usage relative to limitPerSec.
// It is the time remaining in the current wall-clock second, prorated by
// how far over budget the request was.
func NextEventDelay(c *Counter, limitPerSec int64) time.Duration {
	if limitPerSec <= 0 {
		return time.Second
	}
	now := time.Now()
	elapsed := now.Sub(now.Truncate(time.Second))
	remaining := time.Second - elapsed
	if remaining < 0 {
		remaining = 0
	}
	over := Overshoot(c, limitPerSec)
	if over <= 0 {
		return 0
	}
	return remaining
}
