package enforcer

import (
	"sync"
	"time"

	"github.com/weirqos/weirqos/channel"
)

// graceWindow is the reqs-block auto-expiry grace period (§3, §4.1, §8
// scenario 5).
const graceWindow = 2 * time.Second

// staleSeconds is how far behind "now" a rate-violation second bucket can
// be before it is purged on touch (§3 rate-violation map).
const staleSeconds = 3

// Violations holds the rate-violation and reqs-block tables for one Edge
// Enforcer instance (§3).
type Violations struct {
	mu sync.Mutex

	// rateMap["user_GET"][second][userKey] = struct{}{}
	rateMap map[string]map[int64]map[string]struct{}

	// reqsBlock[userKey] = epoch_sec_received
	reqsBlock map[string]int64

	clock Clock
}

// NewViolations returns an empty Violations table.
func NewViolations(clock Clock) *Violations {
	if clock == nil {
		clock = realClock{}
	}
	return &Violations{
		rateMap:   make(map[string]map[int64]map[string]struct{}),
		reqsBlock: make(map[string]int64),
		clock:     clock,
	}
}

// Ingest applies a decoded Policy Channel message to the local tables
// (§4.1 "Violation ingestion").
func (v *Violations) Ingest(p channel.Policy) {
	switch p.Kind {
	case channel.KindRateViolation:
		v.ingestRateViolation(p)
	case channel.KindReqsBlock:
		v.setReqsBlock(p.BlockUsers, true)
	case channel.KindReqsUnblock:
		v.setReqsBlock(p.BlockUsers, false)
	// KindBandwidthViolation is handled by PolicyHandler directly against
	// the shaper's throttle table, not these violation tables; it never
	// reaches Ingest in production (see enforcer/policyfeed.go).
	default:
	}
}

func (v *Violations) ingestRateViolation(p channel.Policy) {
	tsSec := p.TimestampUsec / 1_000_000
	now := v.clock.Now().Unix()
	if tsSec < now {
		// "Drop if the message's timestamp's second is already in the past."
		return
	}

	tag := "user_" + p.Verb

	v.mu.Lock()
	defer v.mu.Unlock()

	bySecond, ok := v.rateMap[tag]
	if !ok {
		bySecond = make(map[int64]map[string]struct{})
		v.rateMap[tag] = bySecond
	}
	for sec := range bySecond {
		if sec+staleSeconds < now {
			delete(bySecond, sec)
		}
	}
	users, ok := bySecond[tsSec]
	if !ok {
		users = make(map[string]struct{})
		bySecond[tsSec] = users
	}
	for _, u := range p.Users {
		users[u] = struct{}{}
	}
}

func (v *Violations) setReqsBlock(users []string, blocked bool) {
	now := v.clock.Now().Unix()
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, u := range users {
		if blocked {
			v.reqsBlock[u] = now
		} else {
			delete(v.reqsBlock, u)
		}
	}
}

// IsReqsBlocked reports whether userKey is currently blocked, honoring
// the grace window auto-expiry (§3, §4.1).
func (v *Violations) IsReqsBlocked(userKey string) bool {
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	ts, ok := v.reqsBlock[userKey]
	if !ok {
		return false
	}
	if time.Unix(ts, 0).Add(graceWindow).Before(now) {
		delete(v.reqsBlock, userKey)
		return false
	}
	return true
}

// IsRateViolated reports whether tag (e.g. "user_GET" or "user_LISTBUCKETS")
// currently lists userKey in the current wall-clock second (§4.1 "Admit
// check").
func (v *Violations) IsRateViolated(tag, userKey string) bool {
	now := v.clock.Now().Unix()
	v.mu.Lock()
	defer v.mu.Unlock()
	bySecond, ok := v.rateMap[tag]
	if !ok {
		return false
	}
	users, ok := bySecond[now]
	if !ok {
		return false
	}
	_, violated := users[userKey]
	return violated
}
