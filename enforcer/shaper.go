package enforcer

import (
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/weirqos/weirqos/enforcer/freqcounter"
)

// Shaper constants (§4.1 "Bandwidth shaper").
const (
	backoffWindowSec  = 6
	minAllowedRunTime = 50 * time.Millisecond
	defaultPeriod     = time.Millisecond
	defaultBaseRange  = 2 * time.Millisecond
)

// ShapeResult is the outcome of one bandwidth-shaper decision for a
// single payload chunk.
type ShapeResult struct {
	// AllowBytes is how many of the requested bytes may be forwarded now.
	AllowBytes int64
	// Wait is how long the caller should pause before the next attempt
	// (jitter sleep or a THROTTLE retry interval); 0 means proceed
	// immediately with AllowBytes (which may itself be 0).
	Wait time.Duration
	// Throttled is true when the caller must retry rather than send
	// AllowBytes now (§4.1.a "signal THROTTLE to the caller").
	Throttled bool
}

// Shaper runs the per-chunk bandwidth decision (§4.1 "the hardest
// algorithm") for one (user, direction).
type Shaper struct {
	logger      *slog.Logger
	periodMs    time.Duration
	baseRangeMs time.Duration
	minLimit    int64
	clock       Clock
}

// ShaperOption configures a Shaper.
type ShaperOption func(*Shaper)

// WithShaperClock overrides the clock, for deterministic tests.
func WithShaperClock(c Clock) ShaperOption {
	return func(s *Shaper) { s.clock = c }
}

// NewShaper returns a Shaper using the spec's default tick (1ms) and
// jitter range (2ms).
func NewShaper(logger *slog.Logger, minimumLimit int64, opts ...ShaperOption) *Shaper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Shaper{
		logger:      logger,
		periodMs:    defaultPeriod,
		baseRangeMs: defaultBaseRange,
		minLimit:    minimumLimit,
		clock:       realClock{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Decide runs the full shaping decision for one chunk of `requested`
// bytes against dir's state, given activeLocal concurrent requests for
// this user/direction on this instance.
func (s *Shaper) Decide(dir *DirState, requested int64, activeLocal int64) ShapeResult {
	now := s.clock.Now()

	if proceed, wait, throttled := s.policySlowdown(dir, now); !proceed {
		if throttled {
			s.logThrottleOnce(dir, now)
		}
		return ShapeResult{AllowBytes: 0, Wait: wait, Throttled: throttled}
	} else if wait > 0 {
		// Policy slowdown allowed the tick but requires a jitter sleep
		// before the fair-share quota is computed (§4.1.a).
		return s.fairShare(dir, requested, activeLocal, wait)
	}

	return s.fairShare(dir, requested, activeLocal, 0)
}

// policySlowdown implements §4.1.a. It returns proceed=false with
// Throttled=true when the caller must retry after `wait`; proceed=true
// with wait>0 when a jitter sleep should precede forwarding.
func (s *Shaper) policySlowdown(dir *DirState, now time.Time) (proceed bool, wait time.Duration, throttled bool) {
	if dir.ThrottleReceivedEpochSec == 0 {
		return true, 0, false
	}

	nowSec := now.Unix()
	policyAge := nowSec - dir.ThrottleReceivedEpochSec
	if policyAge < 0 || policyAge >= backoffWindowSec {
		// Beyond the window: allowed = one second, i.e. no effect.
		return true, 0, false
	}

	var allowedUsec int64
	if policyAge == 0 {
		allowedUsec = 0
	} else {
		base := float64(dir.ElapsedUsecInEpoch)
		if dir.DiffRatio > 0 {
			base /= dir.DiffRatio
		}
		if base < float64(minAllowedRunTime.Microseconds()) {
			base = float64(minAllowedRunTime.Microseconds())
		}
		scaled := base * math.Pow(2, float64(policyAge-1))
		if scaled > float64(time.Second.Microseconds()) {
			scaled = float64(time.Second.Microseconds())
		}
		allowedUsec = int64(scaled)
	}

	elapsedInSec := now.Sub(now.Truncate(time.Second))
	if elapsedInSec.Microseconds() <= allowedUsec {
		maxRatio := math.Max(dir.PreviousDiffRatio, dir.DiffRatio)
		increasing := dir.DiffRatio > dir.PreviousDiffRatio
		if maxRatio >= 1.5 || increasing {
			jitter := time.Duration(rand.Int63n(int64(s.baseRangeMs) + 1))
			return true, jitter, false
		}
		return true, 0, false
	}

	return false, time.Millisecond, true
}

// fairShare implements §4.1.b, waiting extraWait first if the policy
// slowdown step required a jitter sleep.
func (s *Shaper) fairShare(dir *DirState, requested, activeLocal int64, extraWait time.Duration) ShapeResult {
	limit := dir.ShareBytesPerSec
	if activeLocal <= 0 {
		activeLocal = 1
	}

	over := freqcounter.Overshoot(&dir.Freq, limit)
	if over > 0 || limit == 0 {
		wait := extraWait
		if limit > 0 {
			// "overshoot · period_ms · R / L" — expressed directly in
			// nanoseconds to avoid intermediate Duration truncation.
			computedNs := over * float64(s.periodMs) * float64(activeLocal) / float64(limitOrOne(limit))
			wait += time.Duration(computedNs)
		}
		maxWait := 2 * s.periodMs
		if wait > maxWait || limit == 0 {
			wait = maxWait
		}
		return ShapeResult{AllowBytes: 0, Wait: wait}
	}

	remaining := freqcounter.RemainingQuota(&dir.Freq, limit)
	perRequest := ceilDiv(remaining, activeLocal)
	if perRequest < s.minLimit {
		perRequest = s.minLimit
	}

	allow := requested
	if perRequest < allow {
		allow = perRequest
	}
	if allow < 0 {
		allow = 0
	}
	dir.Freq.Add(allow)

	wait := extraWait
	if allow < requested {
		d := freqcounter.NextEventDelay(&dir.Freq, limit)
		maxWait := 2 * s.periodMs
		if d > maxWait {
			d = maxWait
		}
		wait += d
	}
	return ShapeResult{AllowBytes: allow, Wait: wait}
}

// logThrottleOnce emits at most one throttle log per second per
// (user, direction) via a single CAS on NextLogTickUnix (§4.1.c, §5).
func (s *Shaper) logThrottleOnce(dir *DirState, now time.Time) {
	nowSec := now.Unix()
	for {
		cur := dir.NextLogTickUnix.Load()
		if nowSec < cur {
			return
		}
		if dir.NextLogTickUnix.CompareAndSwap(cur, nowSec+1) {
			s.logger.Info("bandwidth throttle", "reason", "policy_slowdown")
			return
		}
	}
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func limitOrOne(l int64) int64 {
	if l <= 0 {
		return 1
	}
	return l
}
