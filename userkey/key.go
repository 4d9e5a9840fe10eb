// Package userkey implements the shared data model of the QoS control
// plane: user key extraction and validation, instance identifiers,
// operation classification, and the tier/limit configuration shape consumed
// by both the Edge Enforcer and the Policy Generator.
package userkey

import (
	"net/http"
	"strings"
)

const (
	// Common is the reserved user key for requests that could not be
	// attributed to any principal (no Authorization header, no recognized
	// query parameter).
	Common = "common"

	// Invalid is the reserved user key substituted when a candidate key was
	// found but failed validation (wrong length, non-printable bytes).
	Invalid = "INVALIDKEY00000000AA"

	// DefaultTier is the tier name applied to any user key with no explicit
	// entry in the user→tier mapping.
	DefaultTier = "DEFAULT"

	// validKeyLen is the length of a well-formed user key.
	validKeyLen = 20
	// legacyKeyLen is accepted for backward compatibility with older callers.
	legacyKeyLen = 19
)

func init() {
	if len(Invalid) != validKeyLen {
		panic("userkey: Invalid sentinel must be exactly validKeyLen bytes")
	}
}

// authSchemes maps a recognized Authorization header prefix to the byte
// offset within the header value where the key begins.
var authSchemes = []struct {
	prefix string
	offset int
}{
	// "AWS <access-key-id>:<signature>" — key starts right after "AWS ".
	{prefix: "AWS ", offset: 0},
	// "AWS4-HMAC-SHA256 Credential=<access-key-id>/<date>/...,  ..." — key
	// starts after "Credential=".
	{prefix: "AWS4-HMAC-SHA256 ", offset: 0},
}

// queryKeyParams are the recognized query-string parameter names carrying a
// user key, tried in order.
var queryKeyParams = []string{"AWSAccessKeyId", "access_key"}

// Extract pulls the candidate user key out of an HTTP request: from the
// Authorization header if present (checking each recognized scheme in
// turn), else from one of the recognized query parameters. It does not
// validate the candidate — call Validate (or use ExtractValidated) for
// that. Returns "" if no candidate could be found at all, distinguishing
// "no key present" from "key present but invalid" for callers that want to
// log differently.
func Extract(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key := extractFromAuthHeader(auth); key != "" {
			return key
		}
	}
	for _, param := range queryKeyParams {
		if v := r.URL.Query().Get(param); v != "" {
			return v
		}
	}
	return ""
}

func extractFromAuthHeader(auth string) string {
	for _, scheme := range authSchemes {
		if !strings.HasPrefix(auth, scheme.prefix) {
			continue
		}
		rest := auth[len(scheme.prefix):]
		if scheme.prefix == "AWS4-HMAC-SHA256 " {
			if idx := strings.Index(rest, "Credential="); idx >= 0 {
				rest = rest[idx+len("Credential="):]
			} else {
				continue
			}
		}
		// Key runs up to the next delimiter (':' for the "AWS" scheme,
		// '/' for the v4 Credential scope, or the end of the string).
		end := strings.IndexAny(rest, ":/")
		if end < 0 {
			end = len(rest)
		}
		if end > 0 {
			return rest[:end]
		}
	}
	return ""
}

// Validate checks a candidate key against the printable-alphanumeric,
// fixed-length contract (§3: "length 20, or 19 as a legacy allowance").
func Validate(candidate string) bool {
	switch len(candidate) {
	case validKeyLen, legacyKeyLen:
	default:
		return false
	}
	for _, b := range []byte(candidate) {
		if !isAlphaNumeric(b) {
			return false
		}
	}
	return true
}

func isAlphaNumeric(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// ExtractValidated extracts and validates the user key from an HTTP
// request in one step, per the Edge Enforcer's request lifecycle (§4.1
// step 1): no candidate found maps to Common; a candidate that fails
// Validate maps to Invalid.
func ExtractValidated(r *http.Request) string {
	candidate := Extract(r)
	if candidate == "" {
		return Common
	}
	if !Validate(candidate) {
		return Invalid
	}
	return candidate
}

// IsPrintableASCII reports whether s contains only printable (non-control)
// ASCII bytes. Used by the Event Collector to validate the user-key field
// of inbound events (§4.2 "Parsing contract").
func IsPrintableASCII(s string) bool {
	for _, b := range []byte(s) {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
