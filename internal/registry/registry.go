package registry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openscholar/gatekeeper/internal/circuitbreaker"
	"github.com/openscholar/gatekeeper/internal/concurrency"
	"github.com/openscholar/gatekeeper/internal/ratelimit"
	"github.com/openscholar/gatekeeper/internal/timeout"
	"github.com/openscholar/gatekeeper/internal/upstream"
)

// Registry is the process-wide catalog of resilience components. It is
// constructed once at startup and handed to the dispatch layer, so tests
// can build isolated instances instead of sharing package globals.
type Registry struct {
	breakers    *circuitbreaker.Registry
	concurrency *concurrency.Limiter
	rate        *ratelimit.Limiter
	timeout     *timeout.Enforcer
	upstream    *upstream.Upstream
	startTime   time.Time
}

// Status is the aggregated snapshot served by the diagnostics endpoint.
// Reading it has no side effects on any component.
type Status struct {
	UptimeSeconds float64                          `json:"uptime_seconds"`
	Breakers      map[string]circuitbreaker.Status `json:"circuit_breakers"`
	Concurrency   map[string]concurrency.Stats     `json:"concurrency"`
	RateLimit     ratelimit.Status                 `json:"rate_limit"`
	Timeout       timeout.Policy                   `json:"timeout"`
	Upstream      upstream.Status                  `json:"upstream"`
}

func New(
	breakers *circuitbreaker.Registry,
	conc *concurrency.Limiter,
	rate *ratelimit.Limiter,
	enforcer *timeout.Enforcer,
	up *upstream.Upstream,
) *Registry {
	return &Registry{
		breakers:    breakers,
		concurrency: conc,
		rate:        rate,
		timeout:     enforcer,
		upstream:    up,
		startTime:   time.Now(),
	}
}

// Breaker looks up a named circuit breaker, creating it lazily if it is
// configured. Unconfigured names are an error.
func (r *Registry) Breaker(name string) (*circuitbreaker.CircuitBreaker, error) {
	return r.breakers.GetBreaker(name)
}

func (r *Registry) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

func (r *Registry) Concurrency() *concurrency.Limiter {
	return r.concurrency
}

func (r *Registry) RateLimiter() *ratelimit.Limiter {
	return r.rate
}

func (r *Registry) Timeout() *timeout.Enforcer {
	return r.timeout
}

func (r *Registry) Upstream() *upstream.Upstream {
	return r.upstream
}

func (r *Registry) Status() Status {
	return Status{
		UptimeSeconds: time.Since(r.startTime).Seconds(),
		Breakers:      r.breakers.Stats(),
		Concurrency:   r.concurrency.Stats(),
		RateLimit:     r.rate.Status(),
		Timeout:       r.timeout.Policy(),
		Upstream:      r.upstream.Status(),
	}
}

// Handler serves the aggregated status as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
