package policygen

import (
	"sort"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/userkey"
)

// concurrentHysteresis is the margin a user's summed active-request count
// must drop below MaxConcurrent before an unblock is emitted (§4.3
// "concurrent-request policy"), preventing block/unblock flapping right at
// the boundary.
const concurrentHysteresis = 2

// minimumLimitFloor is the default floor applied to a per-instance
// bandwidth share when a tier's configured limit or demand share would
// otherwise compute to near zero (§4.1 "minimum-limit" config option,
// shared here since the generator and the enforcer must agree on it).
const minimumLimitFloor = 1024

// RateViolations computes the per-(second, verb) rate-violation messages
// of §4.3: "any user whose per-verb count exceeds its tier's per-verb
// limit is added to the violation message for that verb with the bucket's
// timestamp."
func RateViolations(cfg *userkey.Config, in *TickInputs) []channel.Policy {
	type bucket struct {
		sec  int64
		verb string
	}
	violators := make(map[bucket][]string)

	for sec, byUser := range in.RateCounts {
		for user, byVerb := range byUser {
			tier, ok := cfg.TierFor(user)
			if !ok {
				continue
			}
			for verb, count := range byVerb {
				limit, ok := tier.RequestsPerVerb(verb)
				if !ok || limit <= 0 {
					continue
				}
				if count > limit {
					b := bucket{sec, verb}
					violators[b] = append(violators[b], user)
				}
			}
		}
	}

	policies := make([]channel.Policy, 0, len(violators))
	for b, users := range violators {
		sort.Strings(users)
		policies = append(policies, channel.Policy{
			Kind:          channel.KindRateViolation,
			TimestampUsec: b.sec * 1_000_000,
			Verb:          b.verb,
			Users:         users,
		})
	}
	return policies
}

// ConcurrentPolicies computes reqs_block/reqs_unblock messages (§4.3
// "Concurrent-request policy"). prevBlocked is the set of users blocked
// as of the previous tick; the returned blocked set must be threaded into
// the next call so unblock stays edge-triggered while block is
// re-emitted every tick.
func ConcurrentPolicies(cfg *userkey.Config, in *TickInputs, prevBlocked map[string]bool) (policies []channel.Policy, blocked map[string]bool) {
	blocked = make(map[string]bool, len(prevBlocked))

	totals := make(map[string]int64)
	for user, byDir := range in.ActiveCounts {
		var sum int64
		for _, byInstance := range byDir {
			for _, n := range byInstance {
				sum += n
			}
		}
		totals[user] = sum
	}
	// Users that have a previous block but no current activity at all
	// still need their block state considered (their count is 0).
	for user := range prevBlocked {
		if _, ok := totals[user]; !ok {
			totals[user] = 0
		}
	}

	var toBlock, toUnblock []string
	for user, sum := range totals {
		tier, ok := cfg.TierFor(user)
		if !ok || tier.MaxConcurrent <= 0 {
			continue
		}
		switch {
		case sum > tier.MaxConcurrent:
			blocked[user] = true
			toBlock = append(toBlock, user)
		case prevBlocked[user] && sum <= tier.MaxConcurrent-concurrentHysteresis:
			toUnblock = append(toUnblock, user)
		case prevBlocked[user]:
			// Still above the hysteresis floor: stays blocked without a
			// fresh violation (re-emitted below from the blocked set).
			blocked[user] = true
		}
	}
	// Re-emit every currently-blocked user every tick (§4.3 "Block messages
	// are re-emitted every tick so an edge that joins late or restarts
	// converges").
	toBlock = toBlock[:0]
	for user := range blocked {
		toBlock = append(toBlock, user)
	}

	sort.Strings(toBlock)
	sort.Strings(toUnblock)
	if len(toBlock) > 0 {
		policies = append(policies, channel.Policy{Kind: channel.KindReqsBlock, BlockUsers: toBlock})
	}
	if len(toUnblock) > 0 {
		policies = append(policies, channel.Policy{Kind: channel.KindReqsUnblock, BlockUsers: toUnblock})
	}
	return policies, blocked
}

// BandwidthShares computes the limit_share block and bandwidth-violation
// policies of §4.3's "other hard algorithm" / §9. True per-instance
// observed throughput isn't wire-visible (data_xfer events carry no
// instance id, §6), so obs_i is derived from the user's total observed
// bytes/sec times instance i's demand share, per the spec's own framing of
// demand_i as "at minimum" the active-request fraction.
func BandwidthShares(cfg *userkey.Config, in *TickInputs, nowSec int64, timeRemainingInSec float64) (channel.LimitShareBlock, []channel.Policy) {
	var block channel.LimitShareBlock
	var violations []channel.Policy

	users := make(map[string]struct{})
	for u := range in.ActiveCounts {
		users[u] = struct{}{}
	}
	for u := range in.ByteTotals {
		users[u] = struct{}{}
	}

	for user := range users {
		tier, ok := cfg.TierFor(user)
		if !ok {
			continue
		}
		var shares []channel.InstanceShare
		for _, dir := range []string{"up", "dwn"} {
			limit := tier.BytesUpPerSec
			if dir == "dwn" {
				limit = tier.BytesDownPerSec
			}
			if limit <= 0 {
				continue
			}

			byInstance := in.ActiveCounts[user][dir]
			var totalActive int64
			for _, n := range byInstance {
				totalActive += n
			}
			obsTotal := in.ByteTotals[user][dir]

			instances := byInstance
			if len(instances) == 0 {
				continue
			}

			var ratios []channel.UserRatio
			for instance, active := range instances {
				demand := 0.0
				if totalActive > 0 {
					demand = float64(active) / float64(totalActive)
				} else {
					demand = 1.0 / float64(len(instances))
				}

				shareBytes := int64(float64(limit) * demand)
				if shareBytes < minimumLimitFloor {
					shareBytes = minimumLimitFloor
				}
				shares = append(shares, channel.InstanceShare{Instance: instance, Direction: dir, Bytes: shareBytes})

				obsI := float64(obsTotal) * demand
				diffRatio := obsI / float64(shareBytes)

				if obsI*timeRemainingInSec > float64(shareBytes) {
					ratios = append(ratios, channel.UserRatio{User: user, DiffRatio: diffRatio})
				}
			}
			if len(ratios) > 0 {
				violations = append(violations, channel.Policy{
					Kind:          channel.KindBandwidthViolation,
					TimestampUsec: nowSec * 1_000_000,
					Direction:     dir,
					Ratios:        ratios,
				})
			}
		}
		if len(shares) > 0 {
			block.Entries = append(block.Entries, channel.LimitShareEntry{
				TimestampSec: nowSec,
				User:         user,
				Shares:       shares,
			})
		}
	}

	sort.Slice(block.Entries, func(i, j int) bool { return block.Entries[i].User < block.Entries[j].User })
	return block, violations
}
