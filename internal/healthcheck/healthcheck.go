package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/openscholar/gatekeeper/internal/upstream"
)

// HealthCheck periodically probes the upstream application by sending
// HTTP GET requests to its health endpoint. The upstream's health status
// is updated based on the response, and onChange is invoked whenever the
// status flips.
func HealthCheck(
	ctx context.Context,
	up *upstream.Upstream,
	interval time.Duration,
	path string,
	logger *slog.Logger,
	onChange func(healthy bool),
) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	if path == "" {
		path = "/health"
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("upstream", up.URL().String()))
			return

		case <-ticker.C:
			healthURL := up.URL().ResolveReference(&url.URL{Path: path})

			req, err := http.NewRequestWithContext(
				ctx, http.MethodGet, healthURL.String(), nil)
			if err != nil {
				continue
			}

			res, err := client.Do(req)
			if err != nil {
				if up.SetHealthy(false) {
					logger.Warn("Upstream is down",
						slog.String("upstream", up.URL().String()),
						slog.String("error", err.Error()))
					if onChange != nil {
						onChange(false)
					}
				}
				continue
			}
			res.Body.Close()

			healthy := res.StatusCode == http.StatusOK
			changed := up.SetHealthy(healthy)

			if changed {
				if healthy {
					logger.Info("Upstream is back up",
						slog.String("upstream", up.URL().String()))
				} else {
					logger.Warn("Upstream is down",
						slog.String("upstream", up.URL().String()),
						slog.Int("status", res.StatusCode))
				}
				if onChange != nil {
					onChange(healthy)
				}
			}
		}
	}
}
