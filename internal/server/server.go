// Package server exposes the coordinator's HTTP API: the registration and
// fusion surfaces consumed by worker processes, the operator read endpoints,
// and the health/metrics endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/coordinator"
	"github.com/dyluth/drey/internal/fusion"
	"github.com/dyluth/drey/internal/identity"
	"github.com/dyluth/drey/internal/lifecycle"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/internal/registry"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Registry  *registry.Registry
	Catalog   *identity.Allocator
	Coord     *coordinator.Engine
	Fusion    *fusion.Engine
	Lifecycle *lifecycle.Manager
	AuditLog  *audit.Log
	Store     *fleet.Store
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the coordinator's HTTP API.
type Server struct {
	deps Deps
}

// New creates the API server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler builds the chi router with the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/register", s.handleRegister)
			r.Post("/heartbeat", s.handleHeartbeat)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/models/catalog", s.handleCatalog)

		r.Post("/clusters/ingest", s.handleIngestClusters)
		r.Route("/fusion", func(r chi.Router) {
			r.Post("/force", s.handleForceFusion)
			r.Get("/stats", s.handleFusionStats)
		})
		r.Get("/predicates", s.handlePredicates)

		r.Post("/patches/applied", s.handlePatchApplied)
		r.Post("/drift/samples", s.handleDriftSample)

		r.Get("/audit", s.handleAuditEntries)
		r.Get("/audit/verify", s.handleAuditVerify)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// requestLogger logs one structured line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.deps.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
