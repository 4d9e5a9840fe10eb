// Package enforcer implements the Edge Enforcer (§4.1): the per-request
// admit/reject filter and per-byte bandwidth shaper embedded inside each
// proxy instance. It is the largest and hardest component of the system
// — the shaper in particular runs on every forwarded chunk and must never
// block on I/O beyond a deliberate, bounded jitter sleep (§5).
//
// A Filter is created per stream (one HTTP request/response cycle) and
// references a shared, table-wide PerUserLimit entry keyed by user key.
// The LimitTable owns the lifecycle of those entries: creation on first
// use, garbage collection once both directions are quiescent (§3
// Lifecycle).
package enforcer
