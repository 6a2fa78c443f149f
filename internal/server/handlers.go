package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/fusion"
	"github.com/dyluth/drey/internal/identity"
	"github.com/dyluth/drey/internal/registry"
	"github.com/dyluth/drey/pkg/fleet"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

type registerRequest struct {
	Role     string            `json:"role"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type heartbeatRequest struct {
	Serial string `json:"serial"`
}

type ingestRequest struct {
	Worker   string                   `json:"worker"`
	Clusters []*fleet.KnowledgeCluster `json:"clusters"`
}

type ingestResponse struct {
	IngestedCount int `json:"ingested_count"`
}

type patchAppliedRequest struct {
	Serial  string `json:"serial"`
	PatchID string `json:"patch_id"`
}

type patchAppliedResponse struct {
	Counted bool `json:"counted"`
}

type driftSampleRequest struct {
	Serial     string  `json:"serial"`
	Confidence float64 `json:"confidence"`
}

type driftSampleResponse struct {
	Drift float64 `json:"drift"`
	Band  string  `json:"band"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	worker, err := s.deps.Registry.Register(r.Context(), req.Role, req.Address, req.Metadata)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.deps.Metrics.RegistrationsTotal.Inc()
	s.writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.deps.Registry.Heartbeat(r.Context(), req.Serial); err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.deps.Metrics.HeartbeatsTotal.Inc()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		State:  fleet.LifecycleState(r.URL.Query().Get("state")),
		Family: r.URL.Query().Get("family"),
		Role:   r.URL.Query().Get("role"),
	}
	if filter.State != "" {
		if err := filter.State.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.writeJSON(w, http.StatusOK, s.deps.Registry.List(filter))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.Status())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Catalog.Catalog())
}

func (s *Server) handleIngestClusters(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Worker == "" {
		s.writeError(w, http.StatusBadRequest, "worker serial required")
		return
	}

	accepted, err := s.deps.Coord.IngestClusters(r.Context(), req.Worker, req.Clusters)
	if err != nil && !errors.Is(err, fusion.ErrPoolFull) {
		s.writeMappedError(w, err)
		return
	}
	if errors.Is(err, fusion.ErrPoolFull) {
		// Report what was accepted; the worker retries the rest after the
		// next pass drains the pool.
		s.writeJSON(w, http.StatusTooManyRequests, ingestResponse{IngestedCount: accepted})
		return
	}

	s.writeJSON(w, http.StatusOK, ingestResponse{IngestedCount: accepted})
}

func (s *Server) handleForceFusion(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Coord.ForceFusion(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFusionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Fusion.Stats(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePredicates(w http.ResponseWriter, r *http.Request) {
	predicates, err := s.deps.Fusion.Predicates(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if predicates == nil {
		predicates = []*fleet.Predicate{}
	}
	s.writeJSON(w, http.StatusOK, predicates)
}

func (s *Server) handlePatchApplied(w http.ResponseWriter, r *http.Request) {
	var req patchAppliedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	counted, err := s.deps.Registry.RecordPatchApplied(r.Context(), req.Serial, req.PatchID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, patchAppliedResponse{Counted: counted})
}

func (s *Server) handleDriftSample(w http.ResponseWriter, r *http.Request) {
	var req driftSampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	drift, err := s.deps.Lifecycle.RecordSample(r.Context(), &fleet.DriftSample{
		Serial:     req.Serial,
		AtMs:       fleet.NowMs(),
		Confidence: req.Confidence,
	})
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	_, band := s.deps.Lifecycle.Drift(req.Serial)
	s.writeJSON(w, http.StatusOK, driftSampleResponse{Drift: drift, Band: string(band)})
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.AuditLog.Entries(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if entries == nil {
		entries = []*fleet.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.AuditLog.Verify(r.Context()); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"entries": s.deps.AuditLog.Len(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeMappedError translates domain sentinel errors to HTTP statuses.
// Duplicate registration is recoverable and reported, not propagated; audit
// chain corruption is an integrity failure surfaced as a server error.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrUnknownRole):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnknownWorker):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateRegistration):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrWorkerNotActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrChainCorrupt):
		s.deps.Logger.Error("audit chain corruption surfaced", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.deps.Logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.deps.Logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
