package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/db"
	"github.com/video-stream/captioner/internal/db/models"
	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/job"
	"github.com/video-stream/captioner/internal/pipeline"
	"github.com/video-stream/captioner/internal/storage"
)

// RenderedFilename is the attachment name of every rendered video.
const RenderedFilename = "video_legendado.mp4"

const multipartMemory = 32 << 20

// Pipeline generates and renders subtitles.
type Pipeline interface {
	StatusReporter
	Generate(ctx context.Context, mediaPath string, progress pipeline.ProgressFunc) (*pipeline.GenerateResult, error)
	Render(ctx context.Context, req pipeline.RenderRequest, outputPath string) error
}

// MediaRegistry records which uploads exist.
type MediaRegistry interface {
	InsertMedia(m *models.Media) error
	GetMediaByPath(path string) (*models.Media, error)
	DeleteMediaByPath(path string) error
}

// ProbeFunc inspects an uploaded file.
type ProbeFunc func(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)

type SubtitleHandler struct {
	pipeline  Pipeline
	store     *storage.Store
	registry  MediaRegistry
	probe     ProbeFunc
	queue     *job.JobQueue
	maxUpload int64
}

func NewSubtitleHandler(p Pipeline, store *storage.Store, registry MediaRegistry, probe ProbeFunc, queue *job.JobQueue, maxUpload int64) *SubtitleHandler {
	return &SubtitleHandler{
		pipeline:  p,
		store:     store,
		registry:  registry,
		probe:     probe,
		queue:     queue,
		maxUpload: maxUpload,
	}
}

type uploadError struct {
	msg    string
	status int
}

func (e *uploadError) Error() string { return e.msg }

// acceptUpload stores and registers the multipart "file" field. The caller
// owns the returned media.
func (h *SubtitleHandler) acceptUpload(w http.ResponseWriter, r *http.Request) (*models.Media, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &uploadError{"file too large", http.StatusRequestEntityTooLarge}
		}
		return nil, &uploadError{"invalid multipart form", http.StatusBadRequest}
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, &uploadError{"missing file field", http.StatusBadRequest}
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "video/") || !storage.IsVideoFile(header.Filename) {
		return nil, &uploadError{"invalid file type, please upload a video", http.StatusBadRequest}
	}

	up, err := h.store.SaveUpload(file, header.Filename)
	if err != nil {
		log.Error().Str("component", "api").Err(err).Msg("failed to save upload")
		return nil, &uploadError{"failed to save file", http.StatusInternalServerError}
	}

	info, err := h.probe(r.Context(), up.Path)
	if err != nil {
		h.store.Remove(up.Path)
		log.Warn().Str("component", "api").Str("file", header.Filename).Err(err).Msg("probe failed")
		return nil, &uploadError{"unreadable video file", http.StatusBadRequest}
	}
	if !info.HasAudio() {
		h.store.Remove(up.Path)
		return nil, &uploadError{"video has no audio track", http.StatusBadRequest}
	}

	media := &models.Media{
		ID:           up.ID,
		Path:         up.Path,
		OriginalName: header.Filename,
		Size:         up.Size,
		Duration:     info.Duration,
	}
	if err := h.registry.InsertMedia(media); err != nil {
		h.store.Remove(up.Path)
		log.Error().Str("component", "api").Err(err).Msg("failed to register upload")
		return nil, &uploadError{"failed to save file", http.StatusInternalServerError}
	}

	log.Info().
		Str("component", "api").
		Str("file", header.Filename).
		Str("path", up.Path).
		Int64("size", up.Size).
		Float64("duration", info.Duration).
		Msg("upload accepted")
	return media, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	var ue *uploadError
	if errors.As(err, &ue) {
		jsonError(w, ue.msg, ue.status)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

// discard removes an upload and its registry row.
func (h *SubtitleHandler) discard(path string) {
	if err := h.store.Remove(path); err != nil {
		log.Warn().Str("component", "api").Str("path", path).Err(err).Msg("failed to remove upload")
	}
	if err := h.registry.DeleteMediaByPath(path); err != nil {
		log.Warn().Str("component", "api").Str("path", path).Err(err).Msg("failed to unregister upload")
	}
}

// Generate uploads a video and returns speaker-labelled subtitles for it. The
// upload is removed when generation fails.
func (h *SubtitleHandler) Generate(w http.ResponseWriter, r *http.Request) {
	media, err := h.acceptUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	result, err := h.pipeline.Generate(r.Context(), media.Path, nil)
	if err != nil {
		h.discard(media.Path)
		pipelineError(w, r, err)
		return
	}
	jsonResponse(w, result, http.StatusOK)
}

// GenerateJob uploads a video and queues generation in the background.
func (h *SubtitleHandler) GenerateJob(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		jsonError(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	media, err := h.acceptUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	j, err := h.queue.Enqueue(job.JobGenerate, media.Path, job.GenerateParams{OriginalName: media.OriginalName})
	if err != nil {
		h.discard(media.Path)
		jsonError(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, j, http.StatusAccepted)
}

// RunGenerateJob is the job queue handler for generation jobs. The upload is
// kept on failure so the job can be retried; the janitor expires it.
func (h *SubtitleHandler) RunGenerateJob(ctx context.Context, j *job.Job, updateProgress func(float64)) (any, error) {
	return h.pipeline.Generate(ctx, j.FilePath, updateProgress)
}

// Render burns the posted subtitles into a previously uploaded video and
// streams the result. Both the output and the upload are removed afterwards.
func (h *SubtitleHandler) Render(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	path, err := h.store.Resolve(req.VideoPath)
	if err == nil {
		_, err = h.registry.GetMediaByPath(path)
	}
	if err != nil {
		if errors.Is(err, storage.ErrOutsideStore) || errors.Is(err, db.ErrNotFound) {
			jsonError(w, "original video not found, it may have expired or been removed", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to look up video", http.StatusInternalServerError)
		return
	}
	req.VideoPath = path

	output := h.store.NewOutputPath()
	if err := h.pipeline.Render(r.Context(), req, output); err != nil {
		pipelineError(w, r, err)
		return
	}
	defer func() {
		if err := h.store.Remove(output); err != nil {
			log.Warn().Str("component", "api").Str("path", output).Err(err).Msg("failed to remove output")
		}
		h.discard(path)
	}()

	f, err := os.Open(output)
	if err != nil {
		jsonError(w, "rendered video unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		jsonError(w, "rendered video unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+RenderedFilename+`"`)
	http.ServeContent(w, r, RenderedFilename, info.ModTime(), f)
}
