// Package collector implements the Event Collector (§4.2): a UDP ingest
// pipeline that drains per-edge datagrams, classifies them, aggregates
// per-user/per-second counters in memory, and periodically flushes the
// aggregates to the shared KV store.
package collector

// Kind distinguishes the four queueable event prefixes from access-log and
// ordinary-log lines (§4.2 "Producer thread").
type Kind int

const (
	// KindAccessLog is a non-matching line beginning with '{' — forwarded
	// to the access log verbatim, never aggregated.
	KindAccessLog Kind = iota
	// KindPlainLog is anything else that doesn't match a known event
	// prefix — forwarded to the general log verbatim. This also covers
	// prefixes the collector recognizes as emitted by the enforcer but
	// does not aggregate, such as weir-throttle (§6): only the four
	// prefixes below are ever enqueued for aggregation.
	KindPlainLog
	KindReq
	KindReqEnd
	KindDataXfer
	KindActiveReqs
)

const (
	prefixReq         = "req"
	prefixReqEnd      = "req_end"
	prefixDataXfer    = "data_xfer"
	prefixActiveReqs  = "active_reqs"
	fieldDelim        = "~|~"
)

// Event is the decoded form of one Edge→Collector datagram (§6).
type Event struct {
	Kind Kind

	SrcAddr        string
	UserKey        string
	Verb           string
	Direction      string
	InstanceID     string
	ActiveRequests int64
	OpClass        string
	LengthBytes    int64

	// ArrivalUnixSec is stamped by the producer at recvfrom time, not
	// parsed from the wire — it is the "wall clock at message arrival"
	// the aggregate map keys on (§4.2).
	ArrivalUnixSec int64
}
