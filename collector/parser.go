package collector

import (
	"strconv"
	"strings"

	"github.com/weirqos/weirqos/enforcer"
	"github.com/weirqos/weirqos/userkey"
)

// ErrMalformedEvent is returned by ParseEvent when a queueable line fails
// its per-prefix field contract (§4.2 "Parsing contract").
type ErrMalformedEvent struct {
	Line   string
	Reason string
}

func (e *ErrMalformedEvent) Error() string {
	return "collector: malformed event (" + e.Reason + "): " + e.Line
}

// Classify inspects a raw datagram payload (already stripped of trailing
// newlines) and reports which pipeline it belongs to (§4.2 "Producer
// thread"): one of the four queueable event prefixes, an access-log JSON
// line, or an ordinary log line.
func Classify(line string) Kind {
	if strings.HasPrefix(line, "{") {
		return KindAccessLog
	}
	prefix, _, _ := strings.Cut(line, fieldDelim)
	switch prefix {
	case prefixReq:
		return KindReq
	case prefixReqEnd:
		return KindReqEnd
	case prefixDataXfer:
		return KindDataXfer
	case prefixActiveReqs:
		return KindActiveReqs
	default:
		return KindPlainLog
	}
}

// ParseEvent decodes a queueable line (one whose Classify result is
// KindReq/KindReqEnd/KindDataXfer/KindActiveReqs) into an Event, stamping
// arrivalUnixSec as the wall-clock second at receipt (§4.2's aggregate key
// component, not a wire field). Returns ErrMalformedEvent — never panics —
// for any field-count, integer-parse, or non-printable-user-key failure
// (§4.2 "Parsing contract", §7 "Transient / recoverable").
func ParseEvent(line string, arrivalUnixSec int64) (Event, error) {
	kind := Classify(line)
	fields := strings.Split(line, fieldDelim)

	switch kind {
	case KindReq:
		if len(fields) != 7 {
			return Event{}, &ErrMalformedEvent{line, "req: wrong field count"}
		}
		active, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return Event{}, &ErrMalformedEvent{line, "req: bad active_requests"}
		}
		if !userkey.IsPrintableASCII(fields[1]) {
			return Event{}, &ErrMalformedEvent{line, "req: non-printable user key"}
		}
		return Event{
			Kind: KindReq, SrcAddr: fields[0], UserKey: fields[1], Verb: fields[2],
			Direction: fields[3], InstanceID: fields[4], ActiveRequests: active,
			OpClass: fields[6], ArrivalUnixSec: arrivalUnixSec,
		}, nil

	case KindReqEnd:
		if len(fields) != 6 {
			return Event{}, &ErrMalformedEvent{line, "req_end: wrong field count"}
		}
		active, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return Event{}, &ErrMalformedEvent{line, "req_end: bad active_requests"}
		}
		if !userkey.IsPrintableASCII(fields[1]) {
			return Event{}, &ErrMalformedEvent{line, "req_end: non-printable user key"}
		}
		return Event{
			Kind: KindReqEnd, SrcAddr: fields[0], UserKey: fields[1], Verb: fields[2],
			Direction: fields[3], InstanceID: fields[4], ActiveRequests: active,
			ArrivalUnixSec: arrivalUnixSec,
		}, nil

	case KindDataXfer:
		if len(fields) != 4 {
			return Event{}, &ErrMalformedEvent{line, "data_xfer: wrong field count"}
		}
		length, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return Event{}, &ErrMalformedEvent{line, "data_xfer: bad length_bytes"}
		}
		if !userkey.IsPrintableASCII(fields[1]) {
			return Event{}, &ErrMalformedEvent{line, "data_xfer: non-printable user key"}
		}
		return Event{
			Kind: KindDataXfer, SrcAddr: fields[0], UserKey: fields[1],
			Direction: fields[2], LengthBytes: length, ArrivalUnixSec: arrivalUnixSec,
		}, nil

	case KindActiveReqs:
		if len(fields) != 4 {
			return Event{}, &ErrMalformedEvent{line, "active_reqs: wrong field count"}
		}
		active, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return Event{}, &ErrMalformedEvent{line, "active_reqs: bad active_requests"}
		}
		if !userkey.IsPrintableASCII(fields[1]) {
			return Event{}, &ErrMalformedEvent{line, "active_reqs: non-printable user key"}
		}
		return Event{
			Kind: KindActiveReqs, InstanceID: fields[0], UserKey: fields[1],
			Direction: fields[2], ActiveRequests: active, ArrivalUnixSec: arrivalUnixSec,
		}, nil

	default:
		return Event{}, &ErrMalformedEvent{line, "not a queueable event"}
	}
}

// category returns the hash-field name an event contributes to in
// QosRedisCommandMap (§3: verb for req/req_end, the synthesized
// "bnd_<dir>" tag for data_xfer). ActiveReqs events don't go through the
// command map at all — they update ActiveReqMap instead.
func category(e Event) string {
	switch e.Kind {
	case KindReq, KindReqEnd:
		return e.Verb
	case KindDataXfer:
		return "bnd_" + e.Direction
	default:
		return ""
	}
}

// direction validates a wire direction string, matching the enforcer's
// parsing so a malformed direction is treated identically on both sides
// of the UDP boundary.
func direction(s string) (enforcer.Direction, bool) {
	return enforcer.ParseDirection(s)
}
