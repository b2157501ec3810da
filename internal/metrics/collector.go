package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived       EventType = "request_received"
	EventRequestRejected       EventType = "request_rejected"
	EventResponseCompleted     EventType = "response_completed"
	EventBreakerStateChanged   EventType = "breaker_state_changed"
	EventUpstreamHealthChanged EventType = "upstream_health_changed"
)

// Rejection reasons attached to EventRequestRejected.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonConcurrency = "concurrency"
	ReasonTimeout     = "timeout"
	ReasonBreakerOpen = "breaker_open"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Reason     string
	Breaker    string
	State      string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	prom    *Prometheus
	logger  *slog.Logger
}

// NewCollector builds an event-driven collector. prom may be nil when
// Prometheus export is disabled.
func NewCollector(bufferSize int, prom *Prometheus, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		prom:    prom,
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Route)
		if c.prom != nil {
			c.prom.RecordRequest(event.Route)
		}

	case EventRequestRejected:
		c.metrics.RecordRejection(event.Route, event.Reason)
		if c.prom != nil {
			c.prom.RecordRejection(event.Route, event.Reason)
		}

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Route, event.Duration, event.StatusCode)
		if c.prom != nil {
			c.prom.RecordResponse(event.Route, event.Duration, event.StatusCode)
		}

	case EventBreakerStateChanged:
		c.metrics.UpdateBreakerState(event.Breaker, event.State)
		if c.prom != nil {
			c.prom.RecordBreakerState(event.Breaker, event.State)
		}

	case EventUpstreamHealthChanged:
		c.metrics.UpdateUpstreamHealth(event.Healthy)
		if c.prom != nil {
			c.prom.SetUpstreamHealthy(event.Healthy)
		}
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
