// Package concurrency bounds simultaneous in-flight requests per route.
//
// This is admission control, not queuing: a request that arrives while a
// route is at its limit is rejected immediately with a RejectedError so
// the caller can back off, rather than being held pending a free slot.
// Route keys are resolved by longest-prefix match against the configured
// path prefixes; everything else shares a default gate.
package concurrency
