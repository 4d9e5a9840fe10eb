// Package tests holds cross-component property tests (§8) that exercise
// more than one package together — the Policy Channel wire protocol
// talking to a real TCP listener, and the Policy Generator's share
// computation feeding a live enforcer.PolicyHandler — rather than a
// single package's unit behavior.
package tests

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirqos/weirqos/channel"
	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/policygen"
	"github.com/weirqos/weirqos/userkey"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestLimitShare_EndToEnd_OverRealTCP drives seed scenario 6 (§8) through
// the actual wire: a channel.Server broadcasts two limit_share blocks for
// the same (user, up) out of order over a real TCP connection, and a
// channel.Client feeds a live enforcer.PolicyHandler. The later timestamp
// must win regardless of arrival order, proving the framing, parsing, and
// ingestion layers agree end to end, not just against each other's mocks.
func TestLimitShare_EndToEnd_OverRealTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv := channel.NewServer(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, addr) }()
	defer srv.Close()

	table := enforcer.NewLimitTable(discardLogger())
	violations := enforcer.NewViolations(nil)
	limit := table.GetOrCreate("user1")

	client := enforcer.StartPolicyFeed(ctx, addr, table, violations, discardLogger())
	require.NotNil(t, client)

	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.BroadcastLimitShare(channel.LimitShareBlock{Entries: []channel.LimitShareEntry{
		{TimestampSec: 100, User: "user1", Shares: []channel.InstanceShare{{Instance: "i1", Direction: "up", Bytes: 1000}}},
	}})
	require.Eventually(t, func() bool { return limit.Up.ShareBytesPerSec == 1000 }, 2*time.Second, 10*time.Millisecond)

	// Out-of-order, older timestamp must be ignored (invariant I6).
	srv.BroadcastLimitShare(channel.LimitShareBlock{Entries: []channel.LimitShareEntry{
		{TimestampSec: 90, User: "user1", Shares: []channel.InstanceShare{{Instance: "i1", Direction: "up", Bytes: 1}}},
	}})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1000), limit.Up.ShareBytesPerSec)
	assert.Equal(t, int64(100), limit.Up.ReceivedAtUnix)
}

// TestBandwidthShares_TwoEdges_ConvergeOnEqualDemand covers seed scenario
// 2 (§8): two identically-loaded edges serving the same user's download
// split the tier's bandwidth limit evenly, and the split broadcast over
// the Policy Channel lands on each edge's own LimitTable entry for its
// own instance id.
func TestBandwidthShares_TwoEdges_ConvergeOnEqualDemand(t *testing.T) {
	cfg := &userkey.Config{
		Tiers: map[string]userkey.Tier{
			"premium": {BytesDownPerSec: 10 << 20}, // 10 MB/s
		},
		UserToTier: map[string]string{"user1": "premium"},
	}

	in := &policygen.TickInputs{
		ActiveCounts: map[string]map[string]map[string]int64{
			"user1": {"dwn": {"edge-a-1": 1, "edge-b-1": 1}},
		},
		ByteTotals: map[string]map[string]int64{
			"user1": {"dwn": 10 << 20},
		},
	}

	block, _ := policygen.BandwidthShares(cfg, in, 5, 1.0)
	require.Len(t, block.Entries, 1)

	byInstance := make(map[string]int64)
	for _, share := range block.Entries[0].Shares {
		byInstance[share.Instance] = share.Bytes
	}
	assert.InDelta(t, 5<<20, byInstance["edge-a-1"], float64(1<<10))
	assert.InDelta(t, 5<<20, byInstance["edge-b-1"], float64(1<<10))

	// Feed the broadcast share into one edge's LimitTable and confirm its
	// own instance's portion, not the other edge's, is what lands.
	table := enforcer.NewLimitTable(discardLogger())
	violations := enforcer.NewViolations(nil)
	table.GetOrCreate("user1")
	handler := enforcer.NewPolicyHandler(table, violations, discardLogger())

	edgeAOnly := channel.LimitShareBlock{Entries: []channel.LimitShareEntry{
		{TimestampSec: block.Entries[0].TimestampSec, User: "user1", Shares: []channel.InstanceShare{
			{Instance: "edge-a-1", Direction: "dwn", Bytes: byInstance["edge-a-1"]},
		}},
	}}
	handler.HandleLimitShare(edgeAOnly)
	limit, ok := table.Get("user1")
	require.True(t, ok)
	assert.InDelta(t, 5<<20, limit.Down.ShareBytesPerSec, float64(1<<10))
}

// TestReqsBlockThenUnblock_LeavesUserUnblocked covers the round-trip
// property: a reqs_block followed by reqs_unblock for the same user
// within the grace window leaves the user unblocked, driven through the
// same channel.Handler the Edge Enforcer uses in production.
func TestReqsBlockThenUnblock_LeavesUserUnblocked(t *testing.T) {
	table := enforcer.NewLimitTable(discardLogger())
	violations := enforcer.NewViolations(nil)
	handler := enforcer.NewPolicyHandler(table, violations, discardLogger())

	handler.HandlePolicy(channel.Policy{Kind: channel.KindReqsBlock, BlockUsers: []string{"user1"}})
	assert.True(t, violations.IsReqsBlocked("user1"))

	handler.HandlePolicy(channel.Policy{Kind: channel.KindReqsUnblock, BlockUsers: []string{"user1"}})
	assert.False(t, violations.IsReqsBlocked("user1"))
}

// TestUserKey_BoundaryLengths covers §8's boundary property directly
// against the Edge Enforcer's key validator: length 20 alphanumeric is
// accepted, length 19 is accepted as the legacy allowance, and anything
// else is not.
func TestUserKey_BoundaryLengths(t *testing.T) {
	assert.True(t, userkey.Validate(stringOfLen(20)))
	assert.True(t, userkey.Validate(stringOfLen(19)))
	assert.False(t, userkey.Validate(stringOfLen(18)))
	assert.False(t, userkey.Validate(stringOfLen(21)))
	assert.False(t, userkey.Validate("not-alphanumeric!!!!"))
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}
