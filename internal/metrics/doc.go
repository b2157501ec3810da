// Package metrics provides real-time metrics collection for the gateway.
//
// It uses a channel-based event pipeline to asynchronously collect metrics about:
//   - Request counts per route
//   - Rejections grouped by reason (rate limit, concurrency, timeout, open breaker)
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Circuit breaker state transitions and upstream health
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the request path. Events are sent via buffered channels with non-blocking semantics
// to prevent performance degradation under load.
//
// Example usage:
//
//	prom := metrics.NewPrometheus("gatekeeper")
//	collector := metrics.NewCollector(1000, prom, logger)
//	collector.Start(ctx)
//
//	// Emit events during request handling
//	collector.EventChannel() <- metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Route:      "/api",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	}
//
//	// Get metrics snapshot
//	snapshot := collector.Snapshot()
//
// The same events feed both the JSON snapshot and the Prometheus registry, so
// the two export surfaces never disagree about what happened.
package metrics
