package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/pipeline"
)

func jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	jsonResponse(w, map[string]string{"error": msg}, status)
}

// pipelineError logs the full error and reports the caller-facing part.
func pipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status := pipeline.StatusCode(err)
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("component", "api").Str("path", r.URL.Path).Int("status", status).Err(err).Msg("pipeline request failed")
	jsonError(w, pipeline.PublicMessage(err), status)
}
