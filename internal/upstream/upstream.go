package upstream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/openscholar/gatekeeper/internal/circuitbreaker"
)

// Upstream is the protected application behind the gateway. Proxied
// calls go through the dependency's circuit breaker at the transport
// level, so an isolated upstream fails fast without a connection attempt.
type Upstream struct {
	url    *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger

	mutex            sync.Mutex
	isHealthy        bool
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

const ewmaAlpha = 0.2

// New creates an Upstream proxying to u, with every round trip wrapped
// by cb. The upstream starts healthy.
func New(u *url.URL, cb *circuitbreaker.CircuitBreaker, logger *slog.Logger) *Upstream {
	if logger == nil {
		logger = slog.Default()
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.Transport = &guardedTransport{
		breaker: cb,
		base:    http.DefaultTransport,
	}
	proxy.ErrorHandler = errorHandler(logger)

	return &Upstream{
		url:       u,
		proxy:     proxy,
		logger:    logger,
		isHealthy: true,
	}
}

// ReverseProxy returns the HTTP reverse proxy for this upstream.
func (u *Upstream) ReverseProxy() *httputil.ReverseProxy {
	return u.proxy
}

// URL returns the upstream application URL.
func (u *Upstream) URL() *url.URL {
	return u.url
}

// IsHealthy returns true if the upstream is currently healthy.
func (u *Upstream) IsHealthy() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.isHealthy
}

// SetHealthy updates the upstream's health status.
// Returns true if the status changed, false if it was already in that state.
func (u *Upstream) SetHealthy(healthy bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.isHealthy == healthy {
		return false
	}

	u.isHealthy = healthy
	return true
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest request duration.
func (u *Upstream) RecordResponse(duration time.Duration) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the exponentially weighted moving average response time.
// Returns 0 if no responses have been recorded yet.
func (u *Upstream) EWMATime() time.Duration {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.hasEWMA {
		return 0
	}

	return u.ewmaResponseTime
}

// Status is the upstream snapshot for the diagnostics endpoint.
type Status struct {
	URL          string        `json:"url"`
	Healthy      bool          `json:"healthy"`
	EWMAResponse time.Duration `json:"ewma_response"`
}

func (u *Upstream) Status() Status {
	return Status{
		URL:          u.url.String(),
		Healthy:      u.IsHealthy(),
		EWMAResponse: u.EWMATime(),
	}
}

// guardedTransport routes every proxied request through the breaker.
// Transport errors count as failures; responses, whatever their status,
// count as successes because the dependency answered.
type guardedTransport struct {
	breaker *circuitbreaker.CircuitBreaker
	base    http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return circuitbreaker.Do(t.breaker, func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
}

// errorHandler translates proxy errors for the client. A breaker
// rejection surfaces as 503 with the remaining cool-down; anything else
// is a plain bad gateway.
func errorHandler(logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		var open *circuitbreaker.OpenError
		if errors.As(err, &open) {
			retryAfter := int(open.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":               "upstream isolated",
				"dependency":          open.Name,
				"retry_after_seconds": retryAfter,
			})
			return
		}

		logger.Error("Upstream request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "upstream request failed",
		})
	}
}
