package main

import (
	"net/http"

	"github.com/openscholar/gatekeeper/internal/handler"
	"github.com/openscholar/gatekeeper/internal/metrics"
	"github.com/openscholar/gatekeeper/internal/registry"
)

func setupRouter(gate *handler.GateHandler, reg *registry.Registry, collector *metrics.Collector, prom *metrics.Prometheus) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/", gate)
	mux.HandleFunc("/status", reg.Handler())
	mux.HandleFunc("/metrics/json", collector.Handler())
	mux.Handle("/metrics", prom.Handler())

	return mux
}
