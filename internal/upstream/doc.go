// Package upstream implements the reverse proxy to the protected
// application. Every proxied round trip passes through the upstream's
// named circuit breaker, so an isolated dependency is rejected at the
// transport without a connection attempt. It also tracks health status
// and response-time EWMA for the diagnostics endpoint.
package upstream
