package handler

import (
	"net/http"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	backend Pinger
}

// NewHealthHandler creates a new health handler. A nil backend means the
// server runs on the in-memory store and is always ready.
func NewHealthHandler(backend Pinger) *HealthHandler {
	return &HealthHandler{
		backend: backend,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.backend != nil && !h.backend.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
