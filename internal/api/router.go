package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/video-stream/captioner/internal/api/handlers"
	"github.com/video-stream/captioner/internal/api/middleware"
	"github.com/video-stream/captioner/internal/auth"
	"github.com/video-stream/captioner/internal/job"
	"github.com/video-stream/captioner/internal/metrics"
	"github.com/video-stream/captioner/internal/storage"
)

// renderBodyLimit caps JSON render requests.
const renderBodyLimit = 10 << 20

// Deps are the collaborators the HTTP API is built from. JWT, Queue and
// Metrics may be nil, which disables auth, job routes and /metrics. A Queue
// gets its handlers registered here and must be started afterwards.
type Deps struct {
	Pipeline    handlers.Pipeline
	Store       *storage.Store
	Registry    handlers.MediaRegistry
	Probe       handlers.ProbeFunc
	Queue       *job.JobQueue
	JWT         *auth.JWTService
	Metrics     *metrics.Metrics
	CORSOrigins []string
	RateLimit   int // generation requests per minute per client, 0 disables
	MaxUpload   int64
}

func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(deps.Metrics))
	r.Use(cors.Handler(middleware.CORSHandler(deps.CORSOrigins)))

	healthHandler := handlers.NewHealthHandler(deps.Pipeline)
	subtitleHandler := handlers.NewSubtitleHandler(deps.Pipeline, deps.Store, deps.Registry, deps.Probe, deps.Queue, deps.MaxUpload)

	r.Get("/", healthHandler.Root)
	r.Get("/api/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	generationLimit := func(next http.Handler) http.Handler { return next }
	if deps.RateLimit > 0 {
		generationLimit = middleware.NewRateLimiter(deps.RateLimit, time.Minute).Handler
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(deps.JWT))

		// Subtitles
		r.With(generationLimit).Post("/subtitles/generate", subtitleHandler.Generate)
		r.With(middleware.MaxBodySize(renderBodyLimit)).Post("/subtitles/render", subtitleHandler.Render)

		if deps.Queue != nil {
			deps.Queue.RegisterHandler(job.JobGenerate, subtitleHandler.RunGenerateJob)
			jobHandler := handlers.NewJobHandler(deps.Queue)

			r.With(generationLimit).Post("/subtitles/jobs", subtitleHandler.GenerateJob)

			// Jobs
			r.Get("/jobs", jobHandler.ListJobs)
			r.Get("/jobs/{id}", jobHandler.GetJob)
			r.Delete("/jobs/{id}", jobHandler.CancelJob)
			r.Post("/jobs/{id}/retry", jobHandler.RetryJob)
		}
	})

	return r
}
