package enforcer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/weirqos/weirqos/enforcer/freqcounter"
)

// Direction is one of the two byte-transfer directions QoS is enforced
// independently over.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "dwn"
)

// ParseDirection validates a wire-format direction string (§4.1 limit
// share ingestion: "direction strings outside {up, dwn} are logged and
// ignored").
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), true
	default:
		return "", false
	}
}

// DirState holds one direction's worth of per-user throttling and
// activity state (§3 "Per-user local limit state").
type DirState struct {
	Received         bool
	ReceivedAtUnix   int64
	ShareBytesPerSec int64
	Freq             freqcounter.Counter
	ActiveRequests   int64
	NextLogTickUnix  atomic.Int64

	// Throttle table fields (§3 "throttle tables"), populated by
	// limit-share/violation ingestion (§4.1 "Limit-share ingestion").
	ThrottleReceivedEpochSec int64
	ElapsedUsecInEpoch       int64
	DiffRatio                float64
	PreviousDiffRatio        float64
	AllowedRunTimeUsec       int64
}

// PerUserLimit is the shared, table-wide per-user state referenced by
// every Filter for that user (§3, §9 "Cyclic references"). mu guards
// every field except the frequency counter (lock-free by construction,
// §5) and NextLogTickUnix (single atomic CAS, §4.1.c).
type PerUserLimit struct {
	UserKey string

	mu   sync.Mutex
	Up   DirState
	Down DirState

	LastRequestEndUnix int64
}

func newPerUserLimit(userKey string) *PerUserLimit {
	return &PerUserLimit{UserKey: userKey}
}

// dirState returns the DirState for d. Panics on an invalid direction;
// callers must validate with ParseDirection first.
func (p *PerUserLimit) dirState(d Direction) *DirState {
	switch d {
	case Up:
		return &p.Up
	case Down:
		return &p.Down
	default:
		panic("enforcer: invalid direction " + string(d))
	}
}

// Quiescent reports whether both directions have no active requests,
// for the GC sweep (§3 Lifecycle, I2). Called under LimitTable's lock
// during GC, not concurrently with a request on this entry, so it reads
// without taking p.mu.
func (p *PerUserLimit) Quiescent() bool {
	return p.Up.ActiveRequests <= 0 && p.Down.ActiveRequests <= 0
}

// Lock/Unlock expose p.mu for callers (Filter, violation/share
// ingestion) that need to mutate more than one DirState field
// atomically with respect to each other.
func (p *PerUserLimit) Lock()   { p.mu.Lock() }
func (p *PerUserLimit) Unlock() { p.mu.Unlock() }

// EventSink is where the Edge Enforcer emits the datagram events
// described in §6 ("Edge→Collector event messages"). The concrete
// implementation (a UDP socket writer) lives outside this package so
// enforcer stays transport-agnostic and testable without a real socket.
type EventSink interface {
	EmitReq(srcAddr, userKey, verb string, dir Direction, instanceID string, activeRequests int64, opClass string)
	EmitReqEnd(srcAddr, userKey, verb string, dir Direction, instanceID string, activeRequests int64)
	EmitDataXfer(srcAddr, userKey string, dir Direction, length int64)
	EmitActiveReqs(instanceID, userKey string, dir Direction, activeRequests int64)
}

// Clock abstracts time for deterministic tests; production code uses
// realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
