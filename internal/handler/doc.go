// Package handler implements the main HTTP request handler for the gateway.
// It composes the admission chain (rate limit, concurrency, deadline) in
// front of the breaker-guarded upstream proxy and maps every rejection to
// a response carrying machine-readable retry metadata.
package handler
