// Package ratelimit caps request rate per caller identity using fixed
// time windows.
//
// Each endpoint class maps to a named Policy (limit + window). Counters
// live in a pluggable Store: Redis for limits shared across worker
// processes, or an in-process map. When Redis errors the limiter keeps
// serving decisions from the in-process fallback and logs the degraded
// mode; limits are then only per-process accurate until the shared store
// recovers.
//
// An optional process-global token bucket (golang.org/x/time/rate) sits
// in front of the per-identity windows to smooth bursts across all
// callers at once.
package ratelimit
