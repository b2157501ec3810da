package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/openscholar/gatekeeper/config"
	"github.com/openscholar/gatekeeper/internal/circuitbreaker"
	"github.com/openscholar/gatekeeper/internal/concurrency"
	"github.com/openscholar/gatekeeper/internal/handler"
	"github.com/openscholar/gatekeeper/internal/healthcheck"
	"github.com/openscholar/gatekeeper/internal/httpserver"
	"github.com/openscholar/gatekeeper/internal/metrics"
	"github.com/openscholar/gatekeeper/internal/ratelimit"
	"github.com/openscholar/gatekeeper/internal/registry"
	"github.com/openscholar/gatekeeper/internal/timeout"
	"github.com/openscholar/gatekeeper/internal/upstream"
	"github.com/openscholar/gatekeeper/pkg/logger"
)

const upstreamBreakerName = "upstream"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prom := metrics.NewPrometheus(cfg.Metrics.Namespace)
	collector := metrics.NewCollector(cfg.Metrics.BufferSize, prom, log)
	collector.Start(ctx)

	breakers, err := initializeBreakers(cfg, log, collector)
	if err != nil {
		log.Error("Failed to initialize circuit breakers", slog.Any("err", err))
		os.Exit(1)
	}

	rateLimiter, err := initializeRateLimiter(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize rate limiter", slog.Any("err", err))
		os.Exit(1)
	}

	conc := concurrency.New(cfg.Concurrency.Routes, cfg.Concurrency.DefaultLimit)

	requestTimeout, err := time.ParseDuration(cfg.Timeout.Duration)
	if err != nil {
		log.Error("Failed to parse request timeout", slog.Any("err", err))
		os.Exit(1)
	}

	enforcer, err := timeout.NewEnforcer(timeout.Policy{
		Timeout:       requestTimeout,
		ExcludedPaths: cfg.Timeout.ExcludedPaths,
	}, log)
	if err != nil {
		log.Error("Failed to create timeout enforcer", slog.Any("err", err))
		os.Exit(1)
	}

	up, err := initializeUpstream(ctx, cfg, breakers, log, collector)
	if err != nil {
		log.Error("Failed to initialize upstream", slog.Any("err", err))
		os.Exit(1)
	}

	reg := registry.New(breakers, conc, rateLimiter, enforcer, up)

	gate := handler.NewGateHandler(log, reg, cfg.RateLimit.Routes, cfg.RateLimit.DefaultPolicy, collector)

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(gate, reg, collector, prom))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Gateway started",
		slog.String("address", cfg.Server.Address),
		slog.String("upstream", cfg.Upstream.URL))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting gateway", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func initializeBreakers(cfg *config.Config, log *slog.Logger, collector *metrics.Collector) (*circuitbreaker.Registry, error) {
	configs := make(map[string]circuitbreaker.Config, len(cfg.Breakers))

	for name, bc := range cfg.Breakers {
		coolDown, err := time.ParseDuration(bc.Timeout)
		if err != nil {
			return nil, err
		}

		configs[name] = circuitbreaker.Config{
			FailureThreshold:  bc.FailureThreshold,
			RecoveryThreshold: bc.RecoveryThreshold,
			Timeout:           coolDown,
			HalfOpenMaxCalls:  bc.HalfOpenMaxCalls,
		}
	}

	breakers := circuitbreaker.NewRegistry(configs)
	breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
		log.Warn("Circuit breaker state changed",
			slog.String("dependency", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))

		select {
		case collector.EventChannel() <- metrics.MetricEvent{
			Type:      metrics.EventBreakerStateChanged,
			Timestamp: time.Now(),
			Breaker:   name,
			State:     to.String(),
		}:
		default:
		}
	})

	return breakers, nil
}

func initializeRateLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ratelimit.Limiter, error) {
	policies := make(map[string]ratelimit.Policy, len(cfg.RateLimit.Policies))

	for name, pc := range cfg.RateLimit.Policies {
		window, err := time.ParseDuration(pc.Window)
		if err != nil {
			return nil, err
		}
		policies[name] = ratelimit.Policy{Limit: pc.Limit, Window: window}
	}

	memory := ratelimit.NewMemoryStore()
	memory.StartJanitor(ctx)

	opts := ratelimit.Options{
		Policies: policies,
		Store:    memory,
		Logger:   log,
	}

	if cfg.RateLimit.Store == config.RateStoreRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		opts.Store = ratelimit.NewRedisStore(rdb)
		opts.Fallback = memory
	}

	if cfg.RateLimit.GlobalRPS > 0 {
		opts.Global = rate.NewLimiter(rate.Limit(cfg.RateLimit.GlobalRPS), int(cfg.RateLimit.GlobalRPS))
	}

	return ratelimit.NewLimiter(opts), nil
}

func initializeUpstream(
	ctx context.Context,
	cfg *config.Config,
	breakers *circuitbreaker.Registry,
	log *slog.Logger,
	collector *metrics.Collector,
) (*upstream.Upstream, error) {
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, err
	}

	cb, err := breakers.GetBreaker(upstreamBreakerName)
	if err != nil {
		return nil, err
	}

	up := upstream.New(u, cb, log)

	interval, err := time.ParseDuration(cfg.Upstream.HealthCheckInterval)
	if err != nil {
		return nil, err
	}

	go healthcheck.HealthCheck(ctx, up, interval, cfg.Upstream.HealthCheckPath, log, func(healthy bool) {
		select {
		case collector.EventChannel() <- metrics.MetricEvent{
			Type:      metrics.EventUpstreamHealthChanged,
			Timestamp: time.Now(),
			Healthy:   healthy,
		}:
		default:
		}
	})

	return up, nil
}
