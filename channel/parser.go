package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame markers (§4.4, §6).
const (
	PoliciesHeader   = "policies"
	EndOfPolicies    = "END_OF_POLICIES"
	LimitShareHeader = "limit_share"
	EndLimitShare    = "end_limit_share"
)

const (
	prefixUserReqsBlock   = "user_reqs_block,"
	prefixUserReqsUnblock = "user_reqs_unblock,"
	prefixUserVerb        = "user_"
	prefixBndUp           = "user_bnd_up"
	prefixBndDwn          = "user_bnd_dwn"
)

// ParsePolicyLine parses a single data line found inside a "policies"
// block, dispatching by a small hand-written lexer on the comma
// delimiter rather than regex (§9 design note).
func ParsePolicyLine(line string) (Policy, error) {
	if strings.HasPrefix(line, prefixUserReqsBlock) {
		return Policy{
			Kind:       KindReqsBlock,
			BlockUsers: splitNonEmpty(line[len(prefixUserReqsBlock):], ','),
		}, nil
	}
	if strings.HasPrefix(line, prefixUserReqsUnblock) {
		return Policy{
			Kind:       KindReqsUnblock,
			BlockUsers: splitNonEmpty(line[len(prefixUserReqsUnblock):], ','),
		}, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return Policy{}, fmt.Errorf("channel: malformed policy line: %q", line)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Policy{}, fmt.Errorf("channel: bad timestamp in %q: %w", line, err)
	}

	tag := fields[1]
	switch {
	case tag == prefixBndUp || tag == prefixBndDwn:
		dir := "up"
		if tag == prefixBndDwn {
			dir = "dwn"
		}
		ratios := make([]UserRatio, 0, len(fields)-2)
		for _, tok := range fields[2:] {
			if tok == "" {
				continue
			}
			user, ratio, _ := strings.Cut(tok, ":")
			ur := UserRatio{User: user}
			if ratio != "" {
				f, err := strconv.ParseFloat(ratio, 64)
				if err != nil {
					return Policy{}, fmt.Errorf("channel: bad diff_ratio in %q: %w", line, err)
				}
				ur.DiffRatio = f
			}
			ratios = append(ratios, ur)
		}
		return Policy{Kind: KindBandwidthViolation, TimestampUsec: ts, Direction: dir, Ratios: ratios}, nil

	case strings.HasPrefix(tag, prefixUserVerb):
		verb := strings.TrimPrefix(tag, prefixUserVerb)
		return Policy{
			Kind:          KindRateViolation,
			TimestampUsec: ts,
			Verb:          verb,
			Users:         splitNonEmpty(strings.Join(fields[2:], ","), ','),
		}, nil

	default:
		return Policy{}, fmt.Errorf("channel: unknown policy line %q", line)
	}
}

// FormatPolicyLine encodes a Policy back into its wire form. Used by the
// Policy Generator to emit a "policies" block.
func FormatPolicyLine(p Policy) (string, error) {
	switch p.Kind {
	case KindRateViolation:
		return fmt.Sprintf("%d,user_%s,%s", p.TimestampUsec, p.Verb, strings.Join(p.Users, ",")), nil
	case KindBandwidthViolation:
		tag := prefixBndUp
		if p.Direction == "dwn" {
			tag = prefixBndDwn
		}
		toks := make([]string, 0, len(p.Ratios))
		for _, r := range p.Ratios {
			if r.DiffRatio != 0 {
				toks = append(toks, fmt.Sprintf("%s:%s", r.User, strconv.FormatFloat(r.DiffRatio, 'f', -1, 64)))
			} else {
				toks = append(toks, r.User)
			}
		}
		return fmt.Sprintf("%d,%s,%s", p.TimestampUsec, tag, strings.Join(toks, ",")), nil
	case KindReqsBlock:
		return "user_reqs_block," + strings.Join(p.BlockUsers, ","), nil
	case KindReqsUnblock:
		return "user_reqs_unblock," + strings.Join(p.BlockUsers, ","), nil
	default:
		return "", fmt.Errorf("channel: cannot format policy of kind %d", p.Kind)
	}
}

// ParseLimitShareLine parses a single data line inside a "limit_share"
// block: "<ts_sec>,<user_key>,<inst>_<dir>_<bytes>[,...]".
func ParseLimitShareLine(line string) (LimitShareEntry, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return LimitShareEntry{}, fmt.Errorf("channel: malformed limit_share line: %q", line)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return LimitShareEntry{}, fmt.Errorf("channel: bad timestamp in %q: %w", line, err)
	}

	entry := LimitShareEntry{TimestampSec: ts, User: fields[1]}
	for _, tok := range fields[2:] {
		if tok == "" {
			continue
		}
		share, err := parseInstanceShare(tok)
		if err != nil {
			return LimitShareEntry{}, fmt.Errorf("channel: %w in %q", err, line)
		}
		entry.Shares = append(entry.Shares, share)
	}
	return entry, nil
}

// FormatLimitShareLine encodes a LimitShareEntry back into its wire form.
func FormatLimitShareLine(e LimitShareEntry) string {
	toks := make([]string, 0, len(e.Shares))
	for _, s := range e.Shares {
		toks = append(toks, fmt.Sprintf("%s_%s_%d", s.Instance, s.Direction, s.Bytes))
	}
	return fmt.Sprintf("%d,%s,%s", e.TimestampSec, e.User, strings.Join(toks, ","))
}

// parseInstanceShare splits "<instance>_<dir>_<bytes>" from the right:
// instance ids may themselves contain "-" but never the trailing
// "_<dir>_<bytes>" suffix, since dir is always "up" or "dwn".
func parseInstanceShare(tok string) (InstanceShare, error) {
	idx := strings.LastIndex(tok, "_")
	if idx < 0 {
		return InstanceShare{}, fmt.Errorf("malformed instance share %q", tok)
	}
	bytesStr := tok[idx+1:]
	rest := tok[:idx]

	idx2 := strings.LastIndex(rest, "_")
	if idx2 < 0 {
		return InstanceShare{}, fmt.Errorf("malformed instance share %q", tok)
	}
	dir := rest[idx2+1:]
	instance := rest[:idx2]

	n, err := strconv.ParseInt(bytesStr, 10, 64)
	if err != nil {
		return InstanceShare{}, fmt.Errorf("bad byte count %q", tok)
	}
	return InstanceShare{Instance: instance, Direction: dir, Bytes: n}, nil
}

// splitNonEmpty splits s on sep, dropping empty fields produced by a
// trailing separator while still preserving interior empties.
func splitNonEmpty(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, string(sep))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
