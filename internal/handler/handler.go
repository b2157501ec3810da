package handler

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openscholar/gatekeeper/internal/concurrency"
	"github.com/openscholar/gatekeeper/internal/metrics"
	"github.com/openscholar/gatekeeper/internal/registry"
)

// GateHandler runs every inbound request through the admission chain and,
// when admitted, forwards it to the upstream application. The chain is
// ordered cheapest first: rate limit, then concurrency, then the
// deadline-wrapped proxy whose transport is guarded by the circuit breaker.
type GateHandler struct {
	logger           *slog.Logger
	registry         *registry.Registry
	proxied          http.Handler
	policyRoutes     map[string]string
	policyPrefixes   []string
	defaultPolicy    string
	metricsCollector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func NewGateHandler(
	logger *slog.Logger,
	reg *registry.Registry,
	policyRoutes map[string]string,
	defaultPolicy string,
	collector *metrics.Collector,
) *GateHandler {
	prefixes := make([]string, 0, len(policyRoutes))
	for prefix := range policyRoutes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i]) > len(prefixes[j])
	})

	return &GateHandler{
		logger:           logger,
		registry:         reg,
		proxied:          reg.Timeout().Wrap(reg.Upstream().ReverseProxy()),
		policyRoutes:     policyRoutes,
		policyPrefixes:   prefixes,
		defaultPolicy:    defaultPolicy,
		metricsCollector: collector,
	}
}

func (g *GateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := ExtractIdentity(r)
	route := g.registry.Concurrency().Resolve(r.URL.Path)

	g.logger.Info("Received request",
		slog.String("identity", identity),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route))

	g.emitEvent(metrics.MetricEvent{
		Type:      metrics.EventRequestReceived,
		Timestamp: time.Now(),
		Route:     route,
	})

	decision, err := g.registry.RateLimiter().Allow(r.Context(), identity, g.resolvePolicy(r.URL.Path))
	if err != nil {
		g.logger.Error("Rate limit check failed",
			slog.String("identity", identity),
			slog.Any("err", err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

	if !decision.Allowed {
		g.emitEvent(metrics.MetricEvent{
			Type:      metrics.EventRequestRejected,
			Timestamp: time.Now(),
			Route:     route,
			Reason:    metrics.ReasonRateLimit,
		})

		g.logger.Warn("Rate limit exceeded",
			slog.String("identity", identity),
			slog.String("policy", decision.Policy),
			slog.Int("limit", decision.Limit))

		w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	release, err := g.registry.Concurrency().Admit(r.URL.Path)
	if err != nil {
		var rejected *concurrency.RejectedError
		if errors.As(err, &rejected) {
			g.emitEvent(metrics.MetricEvent{
				Type:      metrics.EventRequestRejected,
				Timestamp: time.Now(),
				Route:     route,
				Reason:    metrics.ReasonConcurrency,
			})

			g.logger.Warn("Route at capacity",
				slog.String("route", rejected.Route),
				slog.Int("limit", rejected.Limit),
				slog.Int("current", rejected.Current))

			w.Header().Set("X-Concurrency-Limit", strconv.Itoa(rejected.Limit))
			w.Header().Set("X-Concurrency-Current", strconv.Itoa(rejected.Current))
			w.Header().Set("Retry-After", retryAfterSeconds(rejected.RetryAfter))
			http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer release()

	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	g.proxied.ServeHTTP(wrapped, r)
	duration := time.Since(start)

	// Rejections past the admission gates come back as proxy statuses:
	// the deadline produces 504, an open breaker 503.
	switch wrapped.statusCode {
	case http.StatusGatewayTimeout:
		g.emitEvent(metrics.MetricEvent{
			Type:      metrics.EventRequestRejected,
			Timestamp: time.Now(),
			Route:     route,
			Reason:    metrics.ReasonTimeout,
		})
	case http.StatusServiceUnavailable:
		g.emitEvent(metrics.MetricEvent{
			Type:      metrics.EventRequestRejected,
			Timestamp: time.Now(),
			Route:     route,
			Reason:    metrics.ReasonBreakerOpen,
		})
	}

	g.emitEvent(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Timestamp:  time.Now(),
		Route:      route,
		Duration:   duration,
		StatusCode: wrapped.statusCode,
	})
	g.registry.Upstream().RecordResponse(duration)
}

// resolvePolicy maps a request path to a rate-limit policy name by
// longest-prefix match, falling back to the default policy.
func (g *GateHandler) resolvePolicy(path string) string {
	for _, prefix := range g.policyPrefixes {
		if strings.HasPrefix(path, prefix) {
			return g.policyRoutes[prefix]
		}
	}
	return g.defaultPolicy
}

// ExtractIdentity derives the caller identity used for rate limiting.
// Authenticated callers are keyed by credential, anonymous ones by
// network origin.
func ExtractIdentity(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "bearer:" + strings.TrimPrefix(auth, "Bearer ")
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}

	return "ip:" + extractClientIP(r)
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (g *GateHandler) emitEvent(event metrics.MetricEvent) {
	if g.metricsCollector == nil {
		return
	}

	select {
	case g.metricsCollector.EventChannel() <- event:
	default:
	}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
