// Package router is Tenement's HTTP front door (spec §4.8): one listener
// that dispatches every inbound request by Host header either to the
// control API or, proxied, to a backend instance — spawning it
// on-request if it is not already running.
//
// Grounded on the teacher's internal/api/router.go (ServeMux route
// table, Handler() composing middleware) and internal/api/middleware.go
// (bearer extraction, public-path allow-list), adapted to remove the
// teacher's dev-mode auth bypass: this router always enforces auth on
// the control API.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tenement-host/tenement/internal/auth"
	"github.com/tenement-host/tenement/internal/hypervisor"
	"github.com/tenement-host/tenement/internal/logplane"
	"github.com/tenement-host/tenement/internal/metrics"
	"github.com/tenement-host/tenement/internal/runtime"
)

// spawnAndWaitTimeout bounds how long a direct-routed request will wait
// for a sleeping instance to wake before giving up with 503. The wait
// runs on a context detached from the client connection, so a client
// disconnect does not cancel the spawn (spec §4.8 cancellation
// semantics); the timeout itself does bound the spawn's readiness wait,
// and a spawn still not ready when it expires is torn down.
const spawnAndWaitTimeout = 15 * time.Second

// Config bundles the Server's fixed routing knobs.
type Config struct {
	ControlDomain string
	BaseDomain    string
}

// Server is the top-level HTTP handler: Host-based dispatch in front of
// both the proxy path and the control API mux.
type Server struct {
	hv      *hypervisor.Hypervisor
	tokens  *auth.TokenStore
	logs    *logplane.Plane
	metrics *metrics.Metrics
	logger  *slog.Logger

	controlDomain string
	baseDomain    string

	proxies *proxyCache
	control http.Handler
}

func NewServer(hv *hypervisor.Hypervisor, tokens *auth.TokenStore, logs *logplane.Plane, met *metrics.Metrics, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hv:            hv,
		tokens:        tokens,
		logs:          logs,
		metrics:       met,
		logger:        logger,
		controlDomain: cfg.ControlDomain,
		baseDomain:    cfg.BaseDomain,
		proxies:       newProxyCache(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{service}/{label}", s.handleGetInstance)
	mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	mux.HandleFunc("POST /api/instances/{service}/{label}/restart", s.handleRestartInstance)
	mux.HandleFunc("DELETE /api/instances/{service}/{label}", s.handleDeleteInstance)
	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleStreamLogs)
	mux.HandleFunc("POST /api/logs/search", s.handleSearchLogs)

	traced := otelhttp.NewHandler(mux, "tenement.control_api")
	s.control = s.authMiddleware(traced)

	return s
}

// Handler returns the top-level http.Handler: Host-based dispatch
// between the control API and the instance proxy.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	tgt, ok := parseHost(r.Host, s.controlDomain, s.baseDomain)
	if !ok {
		http.NotFound(w, r)
		return
	}

	service := tgt.service
	var handler http.HandlerFunc
	switch {
	case tgt.control:
		service = "control"
		handler = s.control.ServeHTTP
	case tgt.weighted:
		handler = func(w http.ResponseWriter, r *http.Request) { s.proxyWeighted(w, r, tgt.service) }
	default:
		handler = func(w http.ResponseWriter, r *http.Request) { s.proxyDirect(w, r, tgt.service, tgt.label) }
	}

	s.recordRequestMetrics(service, w, r, handler)
}

// recordRequestMetrics wraps handler with httpsnoop.CaptureMetrics so
// every request — proxied or control-API — counts toward
// tenement_requests_total and tenement_request_duration_ms (spec §4.3,
// "total requests, per-status-class request counts ... histograms"),
// labeled by service and response status class.
func (s *Server) recordRequestMetrics(service string, w http.ResponseWriter, r *http.Request, handler http.HandlerFunc) {
	m := httpsnoop.CaptureMetrics(handler, w, r)

	labels := metrics.Labels{
		"service":      service,
		"status_class": fmt.Sprintf("%dxx", m.Code/100),
	}
	s.metrics.RequestsTotal.WithLabels(labels).Inc()
	s.metrics.RequestDurationMs.WithLabels(labels).Observe(float64(m.Duration.Milliseconds()))
}

// proxyDirect resolves a label.service request: touch-and-use if
// already running, otherwise wake it on request (spec §4.8 step 3).
func (s *Server) proxyDirect(w http.ResponseWriter, r *http.Request, service, label string) {
	id := hypervisor.ID{Service: service, Label: label}

	if v, ok := s.hv.GetAndTouch(id); ok {
		s.proxyTo(w, r, v.Addressing)
		return
	}

	if _, ok := s.hv.ServiceExists(service); !ok {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), spawnAndWaitTimeout)
	defer cancel()
	addr, err := s.hv.SpawnAndWait(ctx, service, label)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.hv.TouchActivity(id)
	s.proxyTo(w, r, addr)
}

// proxyWeighted resolves a bare service.base request: weighted random
// selection over the eligible set, falling back to waking the service's
// configured default label if the eligible set is empty (spec §4.8 step
// 3, DESIGN.md open question #1).
func (s *Server) proxyWeighted(w http.ResponseWriter, r *http.Request, service string) {
	defaultLabel, exists := s.hv.ServiceExists(service)
	if !exists {
		http.NotFound(w, r)
		return
	}

	eligible := s.hv.RunningByService(service)
	chosen, ok := selectWeighted(eligible)
	if !ok {
		if defaultLabel == "" {
			writeAPIError(w, ErrNoEligibleInstance)
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), spawnAndWaitTimeout)
		defer cancel()
		addr, err := s.hv.SpawnAndWait(ctx, service, defaultLabel)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		s.hv.TouchActivity(hypervisor.ID{Service: service, Label: defaultLabel})
		s.proxyTo(w, r, addr)
		return
	}

	s.hv.TouchActivity(chosen.ID)
	s.proxyTo(w, r, chosen.Addressing)
}

func (s *Server) proxyTo(w http.ResponseWriter, r *http.Request, addr runtime.Addressing) {
	proxy := s.proxies.get(addr, s.logger)
	proxy.ServeHTTP(w, r)
}
