// Package ratelimit provides the throttle shared by all callers of one
// upstream service during a run.
//
// Two strategies implement Limiter:
//
// Throttle:
//   - Minimum interval between requests, backed by golang.org/x/time/rate
//   - Default strategy ("interval")
//
// Sliding Window:
//   - At most N requests in any one-minute span ("window")
//
// Both carry a shared penalty: after a rate-limit response a caller invokes
// Penalize and every other caller sharing the limiter pauses too.
//
// Usage:
//
//	limiter := ratelimit.NewThrottle(60)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
//	// send request
//	limiter.Penalize(retryAfter)
package ratelimit
