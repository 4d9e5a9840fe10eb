package enforcer

import (
	"log/slog"

	"github.com/weirqos/weirqos/userkey"
)

// RejectReason names why Enable refused to admit a request (§4.1 "Admit
// check").
type RejectReason string

const (
	RejectNone    RejectReason = ""
	RejectReqs    RejectReason = "requests"
	RejectRate    RejectReason = "rate"
)

// Filter holds per-stream state for one request/response cycle (§3
// "Per-connection filter state"). A new Filter is created per request
// and discarded at End; the PerUserLimit it references outlives it.
type Filter struct {
	table      *LimitTable
	violations *Violations
	shaper     *Shaper
	sink       EventSink
	instanceID string
	logger     *slog.Logger

	remoteAddr string
	userKey    string
	verb       string
	opClass    userkey.OpClass
	dir        Direction

	limit   *PerUserLimit
	enabled bool
}

// NewFilter constructs a Filter backed by the given shared tables. table,
// violations, shaper, and sink are shared across all Filters in a
// process; instanceID identifies this edge (§3 "Instance id").
func NewFilter(table *LimitTable, violations *Violations, shaper *Shaper, sink EventSink, instanceID string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		table:      table,
		violations: violations,
		shaper:     shaper,
		sink:       sink,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Enable runs the admit check and, if admitted, activates the filter for
// this stream (§4.1 steps 1-4). remoteAddr is "ip:port"; dir is the
// direction this Filter instance tracks (a request typically needs one
// Filter per direction, or a combined caller can track both).
func (f *Filter) Enable(remoteAddr, rawUserKey, verb string, opClass userkey.OpClass, dir Direction) (admitted bool, reason RejectReason) {
	if f.enabled {
		// "A request already enabled is not re-enabled" (§4.1 Failure semantics).
		f.logger.Warn("duplicate filter activation ignored", "user", f.userKey)
		return true, RejectNone
	}

	f.table.MaybeGC()

	if f.violations.IsReqsBlocked(rawUserKey) {
		return false, RejectReqs
	}
	if f.violations.IsRateViolated("user_"+verb, rawUserKey) {
		return false, RejectRate
	}
	if opClass != userkey.OpNone && f.violations.IsRateViolated("user_"+string(opClass), rawUserKey) {
		return false, RejectRate
	}

	f.remoteAddr = remoteAddr
	f.userKey = rawUserKey
	f.verb = verb
	f.opClass = opClass
	f.dir = dir
	f.limit = f.table.GetOrCreate(rawUserKey)
	f.enabled = true

	d := f.limit.dirState(dir)
	f.limit.Lock()
	d.ActiveRequests++
	active := d.ActiveRequests
	f.limit.Unlock()

	if f.sink != nil {
		f.sink.EmitReq(remoteAddr, rawUserKey, verb, dir, f.instanceID, active, string(opClass))
	}
	return true, RejectNone
}

// ShapeChunk runs the bandwidth shaper for one chunk of `requested` bytes
// during this stream's body transfer (§4.1 step 5) and, when bytes are
// forwarded, emits the corresponding data_xfer event.
func (f *Filter) ShapeChunk(requested int64) ShapeResult {
	if !f.enabled || f.limit == nil {
		// No source address / not enabled: forward freely (§4.1 Failure semantics).
		return ShapeResult{AllowBytes: requested}
	}

	d := f.limit.dirState(f.dir)
	f.limit.Lock()
	active := d.ActiveRequests
	f.limit.Unlock()

	res := f.shaper.Decide(d, requested, active)
	if res.AllowBytes > 0 && f.sink != nil {
		f.sink.EmitDataXfer(f.remoteAddr, f.userKey, f.dir, res.AllowBytes)
	}
	return res
}

// End runs the detach path (§4.1 step 6): decrement active count, stamp
// last-end, and emit req_end. Always run on every exit path of the
// owning stream, per §5 cancellation guarantee.
func (f *Filter) End() {
	if !f.enabled || f.limit == nil {
		return
	}

	d := f.limit.dirState(f.dir)
	f.limit.Lock()
	d.ActiveRequests--
	if d.ActiveRequests < 0 {
		// I2: transient negative dips are a warning, not a hard error.
		f.logger.Warn("active request count went negative", "user", f.userKey, "dir", f.dir)
	}
	active := d.ActiveRequests
	f.limit.LastRequestEndUnix = realClock{}.Now().Unix()
	f.limit.Unlock()

	if f.sink != nil {
		f.sink.EmitReqEnd(f.remoteAddr, f.userKey, f.verb, f.dir, f.instanceID, active)
	}
	f.enabled = false
}
