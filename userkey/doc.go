// This file documents package-wide conventions not tied to a single type.
//
// All key extraction and classification functions in this package are pure
// and allocation-light; they are called on the hot request path of the
// Edge Enforcer (§4.1) and must not block or return errors for ordinary
// malformed input — malformed input maps to a reserved sentinel instead.
package userkey
