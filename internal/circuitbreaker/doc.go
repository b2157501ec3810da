// Package circuitbreaker isolates callers from failing downstream dependencies.
//
// A circuit breaker prevents cascading failures by failing fast once a
// dependency has produced too many consecutive errors. It has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Dependency failing, calls rejected with OpenError
//   - HALF-OPEN: Limited probes testing whether the dependency recovered
//
// Protection is explicit at the call site: callers look up a named breaker
// and wrap the downstream call themselves.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(map[string]circuitbreaker.Config{
//	    "database": {FailureThreshold: 5, RecoveryThreshold: 2, Timeout: 60 * time.Second},
//	})
//	cb, err := registry.GetBreaker("database")
//	if err != nil {
//	    // dependency was never configured
//	}
//	rows, err := circuitbreaker.Do(cb, func() ([]Row, error) {
//	    return db.Query(ctx, q)
//	})
//	var open *circuitbreaker.OpenError
//	if errors.As(err, &open) {
//	    // fail fast, retry after open.RetryAfter
//	}
package circuitbreaker
