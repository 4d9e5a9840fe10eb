// Package ratelimit provides a small self-protection rate limiter used by
// weirqos's own control-plane surfaces (the Policy Generator's admin gRPC
// service, weirqosctl) — not the QoS admission path itself, which lives in
// package enforcer. Three algorithms, in-memory and Redis backends, and
// drop-in middleware for net/http, Gin, Echo, Fiber, and gRPC.
//
// # Algorithms
//
//   - Fixed Window Counter — simple, fixed time intervals
//   - Token Bucket — steady refill, burst-friendly
//   - GCRA — virtual scheduling with sustained rate + burst
//
// # Quick Start
//
//	limiter, err := ratelimit.NewTokenBucket(100, 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := limiter.Allow(ctx, "user:123")
//	if result.Allowed {
//	    // serve request
//	}
//
// # With Redis
//
//	limiter, _ := ratelimit.NewTokenBucket(100, 10,
//	    ratelimit.WithRedis(redisClient),
//	)
//
// # Builder API
//
//	limiter, _ := ratelimit.NewBuilder().
//	    GCRA(100, 10).
//	    Redis(client).
//	    Build()
//
// All algorithms implement the [Limiter] interface and return a [Result]
// with Allowed, Remaining, Limit, ResetAt, and RetryAfter fields.
package ratelimit
