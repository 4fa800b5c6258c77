package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/callrouter/internal/routecache"
)

// healthResponse is the load-balancer health check body.
type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeBareJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   s.opts.Service,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// handleBreakers lists circuit breaker states.
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Statuses(r.Context()))
}

// handleInvalidate evicts routing cache entries after an admin-plane write.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var inv routecache.Invalidation
	if msg := readJSON(r, &inv); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := validate.Struct(inv); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := s.deps.Cache.Invalidate(r.Context(), inv); err != nil {
		s.logger.Error("cache invalidation failed",
			"kind", inv.Kind,
			"organization_id", inv.OrganizationID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": inv.Kind})
}
