package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/video-stream/captioner/internal/job"
)

type JobHandler struct {
	queue *job.JobQueue
}

func NewJobHandler(queue *job.JobQueue) *JobHandler {
	return &JobHandler{queue: queue}
}

// ListJobs returns all jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.ListJobs()
	if err != nil {
		jsonError(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	jsonResponse(w, jobs, http.StatusOK)
}

// GetJob returns a single job by ID
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonResponse(w, j, http.StatusOK)
}

// CancelJob cancels a pending or running job
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.CancelJob(chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryJob re-queues a failed or cancelled job
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.RetryJob(chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "retrying"}, http.StatusOK)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		jsonError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, job.ErrNotRetryable):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		jsonError(w, "job operation failed: "+err.Error(), http.StatusInternalServerError)
	}
}
