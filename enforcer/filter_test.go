package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirqos/weirqos/userkey"
)

type recordingSink struct {
	reqs    int
	reqEnds int
	xfers   int
	lastActive int64
}

func (r *recordingSink) EmitReq(srcAddr, userKey, verb string, dir Direction, instanceID string, activeRequests int64, opClass string) {
	r.reqs++
	r.lastActive = activeRequests
}
func (r *recordingSink) EmitReqEnd(srcAddr, userKey, verb string, dir Direction, instanceID string, activeRequests int64) {
	r.reqEnds++
	r.lastActive = activeRequests
}
func (r *recordingSink) EmitDataXfer(srcAddr, userKey string, dir Direction, length int64) {
	r.xfers++
}
func (r *recordingSink) EmitActiveReqs(instanceID, userKey string, dir Direction, activeRequests int64) {}

func TestFilter_Enable_AdmitsAndEmitsReq(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	shaper := NewShaper(testLogger(), 0)
	sink := &recordingSink{}

	f := NewFilter(table, violations, shaper, sink, "inst-1", testLogger())
	admitted, reason := f.Enable("1.2.3.4:9000", "user1", "GET", userkey.OpNone, Up)
	require.True(t, admitted)
	assert.Equal(t, RejectNone, reason)
	assert.Equal(t, 1, sink.reqs)
	assert.Equal(t, int64(1), sink.lastActive)

	limit, ok := table.Get("user1")
	require.True(t, ok)
	assert.Equal(t, int64(1), limit.Up.ActiveRequests)
}

func TestFilter_Enable_RejectsBlockedUser(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	violations.setReqsBlock([]string{"bad-user"}, true)
	shaper := NewShaper(testLogger(), 0)
	sink := &recordingSink{}

	f := NewFilter(table, violations, shaper, sink, "inst-1", testLogger())
	admitted, reason := f.Enable("1.2.3.4:9000", "bad-user", "GET", userkey.OpNone, Up)
	assert.False(t, admitted)
	assert.Equal(t, RejectReqs, reason)
	assert.Equal(t, 0, sink.reqs)
}

func TestFilter_End_DecrementsAndEmits(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	shaper := NewShaper(testLogger(), 0)
	sink := &recordingSink{}

	f := NewFilter(table, violations, shaper, sink, "inst-1", testLogger())
	_, _ = f.Enable("1.2.3.4:9000", "user1", "GET", userkey.OpNone, Up)
	f.End()

	assert.Equal(t, 1, sink.reqEnds)
	assert.Equal(t, int64(0), sink.lastActive)

	limit, ok := table.Get("user1")
	require.True(t, ok)
	assert.True(t, limit.Quiescent())
	assert.NotZero(t, limit.LastRequestEndUnix)
}

func TestFilter_ShapeChunk_ForwardsWithinShare(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	shaper := NewShaper(testLogger(), 0)
	sink := &recordingSink{}

	f := NewFilter(table, violations, shaper, sink, "inst-1", testLogger())
	_, _ = f.Enable("1.2.3.4:9000", "user1", "GET", userkey.OpNone, Up)
	limit, _ := table.Get("user1")
	limit.Up.ShareBytesPerSec = 1000

	res := f.ShapeChunk(100)
	assert.Equal(t, int64(100), res.AllowBytes)
	assert.Equal(t, 1, sink.xfers)
}

func TestFilter_ShapeChunk_NotEnabledForwardsFreely(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	shaper := NewShaper(testLogger(), 0)
	f := NewFilter(table, violations, shaper, nil, "inst-1", testLogger())

	res := f.ShapeChunk(500)
	assert.Equal(t, int64(500), res.AllowBytes)
}

func TestFilter_Enable_Duplicate_IsNoOp(t *testing.T) {
	table := NewLimitTable(testLogger())
	violations := NewViolations(nil)
	shaper := NewShaper(testLogger(), 0)
	sink := &recordingSink{}

	f := NewFilter(table, violations, shaper, sink, "inst-1", testLogger())
	_, _ = f.Enable("1.2.3.4:9000", "user1", "GET", userkey.OpNone, Up)
	admitted, reason := f.Enable("1.2.3.4:9000", "user1", "GET", userkey.OpNone, Up)
	assert.True(t, admitted)
	assert.Equal(t, RejectNone, reason)
	assert.Equal(t, 1, sink.reqs)
}
