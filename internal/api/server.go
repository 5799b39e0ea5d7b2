// Package api exposes the scan broker's HTTP surface: a thin
// read-through/write-through layer over the Store and Scan Manager,
// following the teacher's internal/api ServeMux-plus-handler-struct
// wiring (internal/api/server.go, internal/api/controlplane/*) but
// stripped of auth/gateway/rate-limit middleware the spec doesn't call
// for.
package api

import (
	"net/http"

	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/metrics"
	"github.com/scanbroker/core/internal/observability"
	"github.com/scanbroker/core/internal/probeselector"
	"github.com/scanbroker/core/internal/scanmanager"
	"github.com/scanbroker/core/internal/store"
)

// ServerConfig carries the Handler's dependencies.
type ServerConfig struct {
	Store   *store.Store
	Manager *scanmanager.Manager
	Pool    engine.EnginePool
	Probes  []config.ProbeConfig
	Metrics *metrics.Registry
}

// ProbeHistory is the narrow surface the /probes/{name}/history endpoint
// needs from the Scan Manager's recent-assignment deque.
type ProbeHistory interface {
	Recent() []string
}

var _ ProbeHistory = (*probeselector.History)(nil)

// Handler implements the fixed §6 endpoints plus the additive probe
// history endpoint.
type Handler struct {
	cfg ServerConfig
}

// NewHandler builds a Handler.
func NewHandler(cfg ServerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// NewServer builds the wrapped http.Handler: routes registered on a
// ServeMux, traced with the OpenTelemetry middleware.
func NewServer(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	h := NewHandler(cfg)
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)
	return handler
}

// RegisterRoutes wires every handler onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /scans", h.CreateScan)
	mux.HandleFunc("GET /scans", h.ListScans)
	mux.HandleFunc("GET /scans/{id}", h.GetScan)
	mux.HandleFunc("GET /scans/{id}/report", h.GetScanReport)
	mux.HandleFunc("GET /probes", h.ListProbes)
	mux.HandleFunc("GET /probes/{name}/history", h.ProbeHistory)
	mux.HandleFunc("GET /targets", h.ListTargets)
	mux.HandleFunc("GET /targets/{external_id}", h.GetTarget)
	mux.HandleFunc("GET /health", h.Health)

	if h.cfg.Metrics != nil {
		mux.Handle("GET /metrics", h.cfg.Metrics.Handler())
	}
}
