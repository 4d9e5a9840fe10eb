// Package channel implements the Policy Channel (§4.4): the long-lived,
// line-delimited TCP protocol carrying policy updates from the Policy
// Generator to every Edge Enforcer.
//
// Messages are represented as a tagged variant (§9 design note) rather
// than handled as raw strings at every call site the way the teacher's
// source language would have done with regex-style prefix matching.
package channel

// Policy is a tagged union of the message kinds that can appear inside a
// "policies" block. Exactly one of the Rate/Bandwidth/Block/Unblock fields
// is meaningful, selected by Kind.
type Policy struct {
	Kind Kind

	// RateViolation / BandwidthViolation
	TimestampUsec int64
	Verb          string // RateViolation: "GET", "LISTBUCKETS", ...
	Direction     string // BandwidthViolation: "up" or "dwn"

	// RateViolation
	Users []string

	// BandwidthViolation
	Ratios []UserRatio

	// ReqsBlock / ReqsUnblock
	BlockUsers []string
}

// Kind identifies the variant held by a Policy value.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateViolation
	KindBandwidthViolation
	KindReqsBlock
	KindReqsUnblock
)

// UserRatio pairs a user key with its diff_ratio (§9: observed/share).
type UserRatio struct {
	User      string
	DiffRatio float64 // 0 if not present on the wire
}

// LimitShareBlock is the parsed form of a "limit_share ... end_limit_share"
// block: one TimestampSec-ordered entry per user.
type LimitShareBlock struct {
	Entries []LimitShareEntry
}

// LimitShareEntry is a single line inside a limit_share block.
type LimitShareEntry struct {
	TimestampSec int64
	User         string
	Shares       []InstanceShare
}

// InstanceShare is one "<inst>_<dir>_<bytes>" token within a limit_share line.
type InstanceShare struct {
	Instance  string
	Direction string
	Bytes     int64
}
