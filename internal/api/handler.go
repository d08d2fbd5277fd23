// Package api provides the HTTP API handlers and routing for the deploy service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"deploystack/internal/apperrors"
	"deploystack/internal/deploy"
	"deploystack/internal/health"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the deploy API
type Handler struct {
	svc    *deploy.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *deploy.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// CreateDeployment handles POST /v1/deployments
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req deploy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Deploy(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListResults handles GET /v1/deployments/results
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Results())
}

// GetCapacity handles GET /v1/capacity
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Capacity())
}

// ExpandCapacity handles POST /v1/capacity/expand
func (h *Handler) ExpandCapacity(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.ExpandCapacity())
}

// Drain handles POST /v1/drain. The request blocks until every accepted
// build has settled; the client's context bounds the wait.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Drain(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "drain interrupted: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the runner's Docker daemon is unavailable or the service
// is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
