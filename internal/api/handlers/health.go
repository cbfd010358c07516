package handlers

import (
	"net/http"

	"github.com/video-stream/captioner/internal/pipeline"
)

// StatusReporter exposes engine handle states.
type StatusReporter interface {
	Status() []pipeline.HandleStatus
}

type HealthHandler struct {
	status StatusReporter
}

func NewHealthHandler(status StatusReporter) *HealthHandler {
	return &HealthHandler{status: status}
}

func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "Backend is running!"}, http.StatusOK)
}

// Health reports each engine handle. Handles that failed to load do not make
// the service unhealthy since the next request retries them.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":  "ok",
		"handles": h.status.Status(),
	}, http.StatusOK)
}
