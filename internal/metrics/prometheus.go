package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exports gateway metrics through a dedicated registry so the
// scrape endpoint only carries what the gateway itself produces.
type Prometheus struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	rejectionsTotal    *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	upstreamHealthy    prometheus.Gauge
	uptime             prometheus.GaugeFunc
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startTime := time.Now()

	p := &Prometheus{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests received per route",
			},
			[]string{"route"},
		),

		rejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Requests rejected before reaching the upstream, by reason",
			},
			[]string{"route", "reason"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of completed requests in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"route", "status"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"dependency"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"dependency", "to_state"},
		),

		upstreamHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_healthy",
				Help:      "Whether the upstream application is passing health checks",
			},
		),
	}

	p.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the gateway started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		p.requestsTotal,
		p.rejectionsTotal,
		p.requestDuration,
		p.breakerState,
		p.breakerTransitions,
		p.upstreamHealthy,
		p.uptime,
	)

	p.upstreamHealthy.Set(1)

	return p
}

func (p *Prometheus) RecordRequest(route string) {
	p.requestsTotal.WithLabelValues(route).Inc()
}

func (p *Prometheus) RecordRejection(route string, reason string) {
	p.rejectionsTotal.WithLabelValues(route, reason).Inc()
}

func (p *Prometheus) RecordResponse(route string, duration time.Duration, statusCode int) {
	p.requestDuration.WithLabelValues(route, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

func (p *Prometheus) RecordBreakerState(dependency string, state string) {
	p.breakerState.WithLabelValues(dependency).Set(breakerStateValue(state))
	p.breakerTransitions.WithLabelValues(dependency, state).Inc()
}

func (p *Prometheus) SetUpstreamHealthy(healthy bool) {
	if healthy {
		p.upstreamHealthy.Set(1)
	} else {
		p.upstreamHealthy.Set(0)
	}
}

// Handler returns the scrape endpoint for this registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF-OPEN":
		return 2
	default:
		return 0
	}
}
