package policygen

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weirqos/weirqos/store"
)

// TickInputs is everything read from the shared KV store for one policy
// tick (§4.3 Inputs (a)). All state is recomputed from scratch each tick;
// there is no cross-tick reconciliation (§4.3 "Cadence & failure").
type TickInputs struct {
	// RateCounts[second][user][verb] is the cross-instance sum of request
	// counts for that user/verb in that second.
	RateCounts map[int64]map[string]map[string]int64

	// ActiveCounts[user][dir][instance] is the latest active-request count
	// reported by that instance for that user/direction.
	ActiveCounts map[string]map[string]map[string]int64

	// ByteTotals[user][dir] is the cross-instance sum of observed bytes/sec
	// for that user/direction (§9 "obs_i" is derived from this total and
	// each instance's demand share — see share.go).
	ByteTotals map[string]map[string]int64
}

func newTickInputs() *TickInputs {
	return &TickInputs{
		RateCounts:   make(map[int64]map[string]map[string]int64),
		ActiveCounts: make(map[string]map[string]map[string]int64),
		ByteTotals:   make(map[string]map[string]int64),
	}
}

// CollectTickInputs reads the three KV aggregate shapes described in §3 for
// one tick. seconds is the recent window of whole-second buckets to read
// rate counts for (§4.3 "For each bucket of length one second in the
// recent window").
func CollectTickInputs(ctx context.Context, st store.Store, seconds []int64, logger *slog.Logger) (*TickInputs, error) {
	if logger == nil {
		logger = slog.Default()
	}
	in := newTickInputs()

	for _, sec := range seconds {
		keys, err := st.ScanPrefix(ctx, verbKeyPrefix(sec))
		if err != nil {
			return nil, fmt.Errorf("policygen: scanning verb keys for second %d: %w", sec, err)
		}
		for _, k := range keys {
			user, _, ok := parseVerbKey(k, sec)
			if !ok {
				continue
			}
			fields, err := st.HGetAll(ctx, k)
			if err != nil {
				logger.Warn("policygen: HGetAll failed", "key", k, "error", err)
				continue
			}
			for verb, val := range fields {
				n, ok := parseCount(val)
				if !ok {
					continue
				}
				bySec := in.RateCounts[sec]
				if bySec == nil {
					bySec = make(map[string]map[string]int64)
					in.RateCounts[sec] = bySec
				}
				byUser := bySec[user]
				if byUser == nil {
					byUser = make(map[string]int64)
					bySec[user] = byUser
				}
				byUser[verb] += n
			}
		}
	}

	bwKeys, err := st.ScanPrefix(ctx, bandwidthKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("policygen: scanning bandwidth keys: %w", err)
	}
	for _, k := range bwKeys {
		user, _, ok := parseBandwidthKey(k)
		if !ok {
			continue
		}
		fields, err := st.HGetAll(ctx, k)
		if err != nil {
			logger.Warn("policygen: HGetAll failed", "key", k, "error", err)
			continue
		}
		byDir := in.ByteTotals[user]
		if byDir == nil {
			byDir = make(map[string]int64)
			in.ByteTotals[user] = byDir
		}
		if v, ok := fields["bnd_up"]; ok {
			if n, ok := parseCount(v); ok {
				byDir["up"] += n
			}
		}
		if v, ok := fields["bnd_dwn"]; ok {
			if n, ok := parseCount(v); ok {
				byDir["dwn"] += n
			}
		}
	}

	for _, dir := range []string{"up", "dwn"} {
		connKeys, err := st.ScanPrefix(ctx, connDirPrefix(dir))
		if err != nil {
			return nil, fmt.Errorf("policygen: scanning conn keys for %s: %w", dir, err)
		}
		for _, k := range connKeys {
			instance, user, _, ok := parseConnKey(k, dir)
			if !ok {
				continue
			}
			val, err := st.Get(ctx, k)
			if err != nil {
				continue
			}
			n, ok := parseCount(val)
			if !ok {
				continue
			}
			byDir := in.ActiveCounts[user]
			if byDir == nil {
				byDir = make(map[string]map[string]int64)
				in.ActiveCounts[user] = byDir
			}
			byInstance := byDir[dir]
			if byInstance == nil {
				byInstance = make(map[string]int64)
				byDir[dir] = byInstance
			}
			byInstance[instance] = n
		}
	}

	return in, nil
}
