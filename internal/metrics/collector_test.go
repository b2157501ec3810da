package metrics_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/openscholar/gatekeeper/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Suppress logs in tests
		}))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, nil, log)
	})

	AfterEach(func() {
		cancel()
		time.Sleep(10 * time.Millisecond) // Allow goroutine to finish
	})

	Describe("NewCollector", func() {
		It("should create a collector with specified buffer size", func() {
			c := metrics.NewCollector(500, nil, log)
			Expect(c).NotTo(BeNil())
		})
	})

	Describe("EventChannel", func() {
		It("should return a write-only channel", func() {
			ch := collector.EventChannel()
			Expect(ch).NotTo(BeNil())
		})
	})

	Describe("Start and event processing", func() {
		It("should process EventRequestReceived", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventRequestReceived,
				Timestamp: time.Now(),
				Route:     "/api/search",
			}
			time.Sleep(10 * time.Millisecond)

			snap := collector.Snapshot()
			Expect(snap.Routes["/api/search"].Requests).To(Equal(int64(1)))
		})

		It("should process EventRequestRejected", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventRequestRejected,
				Timestamp: time.Now(),
				Route:     "/api/search",
				Reason:    metrics.ReasonRateLimit,
			}
			time.Sleep(10 * time.Millisecond)

			snap := collector.Snapshot()
			Expect(snap.Routes["/api/search"].Rejections[metrics.ReasonRateLimit]).To(Equal(int64(1)))
		})

		It("should process EventResponseCompleted", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:       metrics.EventResponseCompleted,
				Timestamp:  time.Now(),
				Route:      "/api/search",
				Duration:   100 * time.Millisecond,
				StatusCode: 200,
			}
			time.Sleep(10 * time.Millisecond)

			snap := collector.Snapshot()
			route := snap.Routes["/api/search"]
			Expect(route.AvgResponse).To(Equal(100 * time.Millisecond))
			Expect(route.StatusCodes[200]).To(Equal(int64(1)))
		})

		It("should process EventBreakerStateChanged", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventBreakerStateChanged,
				Timestamp: time.Now(),
				Breaker:   "upstream",
				State:     "OPEN",
			}
			time.Sleep(10 * time.Millisecond)

			snap := collector.Snapshot()
			Expect(snap.Breakers["upstream"]).To(Equal("OPEN"))
		})

		It("should process EventUpstreamHealthChanged", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventUpstreamHealthChanged,
				Timestamp: time.Now(),
				Healthy:   false,
			}
			time.Sleep(10 * time.Millisecond)

			Expect(collector.Snapshot().UpstreamHealthy).To(BeFalse())
		})

		It("should process multiple events in sequence", func() {
			collector.Start(ctx)

			events := []metrics.MetricEvent{
				{
					Type:      metrics.EventRequestReceived,
					Timestamp: time.Now(),
					Route:     "/api/search",
				},
				{
					Type:      metrics.EventRequestRejected,
					Timestamp: time.Now(),
					Route:     "/api/search",
					Reason:    metrics.ReasonConcurrency,
				},
				{
					Type:       metrics.EventResponseCompleted,
					Timestamp:  time.Now(),
					Route:      "/api/search",
					Duration:   50 * time.Millisecond,
					StatusCode: 201,
				},
			}

			for _, event := range events {
				collector.EventChannel() <- event
			}
			time.Sleep(20 * time.Millisecond)

			snap := collector.Snapshot()
			route := snap.Routes["/api/search"]
			Expect(route.Requests).To(Equal(int64(1)))
			Expect(route.Rejections[metrics.ReasonConcurrency]).To(Equal(int64(1)))
			Expect(route.AvgResponse).To(Equal(50 * time.Millisecond))
			Expect(route.StatusCodes[201]).To(Equal(int64(1)))
		})

		It("should drain events on context cancellation", func() {
			collector.Start(ctx)

			// Send events before cancellation
			for i := 0; i < 5; i++ {
				collector.EventChannel() <- metrics.MetricEvent{
					Type:      metrics.EventRequestReceived,
					Timestamp: time.Now(),
					Route:     "/api/search",
				}
			}

			cancel()
			time.Sleep(20 * time.Millisecond)

			snap := collector.Snapshot()
			// All events should be processed via drain
			Expect(snap.Routes["/api/search"].Requests).To(Equal(int64(5)))
		})
	})

	Describe("Handler", func() {
		It("should serve the snapshot as JSON", func() {
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventRequestReceived,
				Timestamp: time.Now(),
				Route:     "/api/search",
			}
			time.Sleep(10 * time.Millisecond)

			rec := httptest.NewRecorder()
			collector.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics/json", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rec.Body.String()).To(ContainSubstring(`"total_requests":1`))
		})
	})

	Describe("Prometheus export", func() {
		It("should feed the same events into the scrape registry", func() {
			prom := metrics.NewPrometheus("gatekeeper_test")
			collector = metrics.NewCollector(100, prom, log)
			collector.Start(ctx)

			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventRequestReceived,
				Timestamp: time.Now(),
				Route:     "/api/search",
			}
			collector.EventChannel() <- metrics.MetricEvent{
				Type:      metrics.EventBreakerStateChanged,
				Timestamp: time.Now(),
				Breaker:   "upstream",
				State:     "OPEN",
			}
			time.Sleep(20 * time.Millisecond)

			rec := httptest.NewRecorder()
			prom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			body, err := io.ReadAll(rec.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Contains(string(body), "gatekeeper_test_requests_total")).To(BeTrue())
			Expect(strings.Contains(string(body), "gatekeeper_test_circuit_breaker_state")).To(BeTrue())
		})
	})
})
