package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/video-stream/captioner/internal/api"
	"github.com/video-stream/captioner/internal/auth"
	"github.com/video-stream/captioner/internal/db"
	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/job"
	"github.com/video-stream/captioner/internal/metrics"
	"github.com/video-stream/captioner/internal/pipeline"
	"github.com/video-stream/captioner/internal/storage"
	"github.com/video-stream/captioner/internal/subtitle"
)

type fakePipeline struct {
	mu        sync.Mutex
	segments  []subtitle.Subtitle
	genErr    error
	renderErr error
	rendered  []pipeline.RenderRequest
}

func (f *fakePipeline) Generate(_ context.Context, mediaPath string, progress pipeline.ProgressFunc) (*pipeline.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genErr != nil {
		return nil, f.genErr
	}
	if progress != nil {
		progress(0.5)
	}
	return &pipeline.GenerateResult{Segments: f.segments, VideoPath: mediaPath}, nil
}

func (f *fakePipeline) Render(_ context.Context, req pipeline.RenderRequest, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rendered = append(f.rendered, req)
	if f.renderErr != nil {
		return f.renderErr
	}
	return os.WriteFile(outputPath, []byte("rendered video"), 0o644)
}

func (f *fakePipeline) Status() []pipeline.HandleStatus {
	return []pipeline.HandleStatus{
		{Name: "transcriber", State: "ready"},
		{Name: "diarizer", State: "unloaded"},
		{Name: "compositor", State: "failed"},
	}
}

func probeWithAudio(context.Context, string) (*ffmpeg.MediaInfo, error) {
	return &ffmpeg.MediaInfo{Duration: 3.5, VideoCodec: "h264", AudioCodec: "aac"}, nil
}

func probeSilentVideo(context.Context, string) (*ffmpeg.MediaInfo, error) {
	return &ffmpeg.MediaInfo{Duration: 3.5, VideoCodec: "h264"}, nil
}

func uploadRequest(target, filename, contentType string) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write([]byte("fake video bytes"))
	Expect(err).NotTo(HaveOccurred())
	Expect(mw.Close()).To(Succeed())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(rec *httptest.ResponseRecorder, v any) {
	ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed(), rec.Body.String())
}

var _ = Describe("Router", func() {
	var (
		fake     *fakePipeline
		store    *storage.Store
		database *db.Database
		deps     api.Deps
		handler  http.Handler
	)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	uploads := func() []string {
		entries, err := os.ReadDir(store.UploadsDir())
		Expect(err).NotTo(HaveOccurred())
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names
	}

	generate := func() pipeline.GenerateResult {
		rec := serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4"))
		ExpectWithOffset(1, rec.Code).To(Equal(http.StatusOK), rec.Body.String())
		var res pipeline.GenerateResult
		decode(rec, &res)
		return res
	}

	BeforeEach(func() {
		root := GinkgoT().TempDir()
		var err error
		store, err = storage.NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "output"))
		Expect(err).NotTo(HaveOccurred())
		database, err = db.NewSQLite(filepath.Join(root, "captioner.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(database.Close)

		fake = &fakePipeline{segments: []subtitle.Subtitle{
			{Start: 0, End: 1.5, Text: "Olá", Speaker: "Interlocutor 1"},
		}}
		deps = api.Deps{
			Pipeline:  fake,
			Store:     store,
			Registry:  database,
			Probe:     probeWithAudio,
			Metrics:   metrics.New(),
			MaxUpload: 1 << 20,
		}
	})

	JustBeforeEach(func() {
		handler = api.NewRouter(deps)
	})

	It("reports that the backend is running", func() {
		rec := serve(httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"status":"Backend is running!"}`))
	})

	It("reports handle states", func() {
		rec := serve(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"status":"ok","handles":[
			{"name":"transcriber","state":"ready"},
			{"name":"diarizer","state":"unloaded"},
			{"name":"compositor","state":"failed"}]}`))
	})

	It("exposes prometheus metrics", func() {
		serve(httptest.NewRequest(http.MethodGet, "/", nil))
		rec := serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("captioner_http_requests_total"))
	})

	Describe("POST /api/v1/subtitles/generate", func() {
		It("returns segments and the stored video path", func() {
			res := generate()
			Expect(res.Segments).To(Equal(fake.segments))
			Expect(filepath.Dir(res.VideoPath)).To(Equal(store.UploadsDir()))
			Expect(res.VideoPath).To(HaveSuffix(".mp4"))
			Expect(res.VideoPath).To(BeAnExistingFile())

			m, err := database.GetMediaByPath(res.VideoPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.OriginalName).To(Equal("talk.mp4"))
			Expect(m.Duration).To(Equal(3.5))
		})

		It("rejects non-video uploads", func() {
			rec := serve(uploadRequest("/api/v1/subtitles/generate", "notes.txt", "text/plain"))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(MatchJSON(`{"error":"invalid file type, please upload a video"}`))
			Expect(uploads()).To(BeEmpty())
		})

		It("rejects requests without a file", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/subtitles/generate", nil)
			rec := serve(req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		Context("when the video has no audio", func() {
			BeforeEach(func() { deps.Probe = probeSilentVideo })

			It("rejects it and keeps nothing", func() {
				rec := serve(uploadRequest("/api/v1/subtitles/generate", "mute.mp4", "video/mp4"))
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(rec.Body.String()).To(MatchJSON(`{"error":"video has no audio track"}`))
				Expect(uploads()).To(BeEmpty())
			})
		})

		It("removes the upload and hides detail on processing failures", func() {
			fake.genErr = pipeline.Wrap(pipeline.ErrProcessing, "transcribe", "", errors.New("CUDA out of memory"))
			rec := serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4"))
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).NotTo(ContainSubstring("CUDA"))
			Expect(uploads()).To(BeEmpty())

			expired, err := database.MediaCreatedBefore(time.Now().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(BeEmpty())
		})

		It("reports unavailable models as 503", func() {
			fake.genErr = pipeline.Wrap(pipeline.ErrModelUnavailable, "diarize", "load diarizer", errors.New("gated repo"))
			rec := serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4"))
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("rejects oversized uploads", func() {
			deps.MaxUpload = 16
			handler = api.NewRouter(deps)
			rec := serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4"))
			Expect(rec.Code).To(BeElementOf(http.StatusRequestEntityTooLarge, http.StatusBadRequest))
			Expect(uploads()).To(BeEmpty())
		})
	})

	Describe("POST /api/v1/subtitles/render", func() {
		renderRequest := func(videoPath string) *http.Request {
			body, err := json.Marshal(map[string]any{
				"video_path": videoPath,
				"subtitles":  fake.segments,
				"styles": map[string]any{
					"default":  map[string]any{"font_name": "Arial", "font_size": "30", "font_color": "#FFFFFF"},
					"speakers": map[string]any{"Interlocutor 1": map[string]any{"name": "Ana", "color": "#FF0000"}},
				},
			})
			Expect(err).NotTo(HaveOccurred())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/subtitles/render", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			return req
		}

		It("streams the rendered video and cleans up both files", func() {
			res := generate()
			rec := serve(renderRequest(res.VideoPath))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("video/mp4"))
			Expect(rec.Header().Get("Content-Disposition")).To(ContainSubstring(`filename="video_legendado.mp4"`))
			Expect(rec.Body.String()).To(Equal("rendered video"))

			Expect(fake.rendered).To(HaveLen(1))
			Expect(int(fake.rendered[0].Styles.Default.FontSize)).To(Equal(30))
			Expect(fake.rendered[0].Styles.Speakers).To(HaveKey("Interlocutor 1"))

			Expect(res.VideoPath).NotTo(BeAnExistingFile())
			outputs, err := os.ReadDir(store.OutputDir())
			Expect(err).NotTo(HaveOccurred())
			Expect(outputs).To(BeEmpty())
			_, err = database.GetMediaByPath(res.VideoPath)
			Expect(err).To(MatchError(db.ErrNotFound))
		})

		It("refuses a second render of the same upload", func() {
			res := generate()
			Expect(serve(renderRequest(res.VideoPath)).Code).To(Equal(http.StatusOK))
			Expect(serve(renderRequest(res.VideoPath)).Code).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for paths outside the upload store", func() {
			secret := filepath.Join(store.OutputDir(), "..", "captioner.db")
			rec := serve(renderRequest(secret))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(fake.rendered).To(BeEmpty())
		})

		It("returns 404 for unregistered files in the store", func() {
			stray := filepath.Join(store.UploadsDir(), "stray.mp4")
			Expect(os.WriteFile(stray, []byte("x"), 0o644)).To(Succeed())
			Expect(serve(renderRequest(stray)).Code).To(Equal(http.StatusNotFound))
		})

		It("reports render failures with the ffmpeg output and keeps the source", func() {
			res := generate()
			fake.renderErr = pipeline.Wrap(pipeline.ErrRender, "render", "burn subtitles", errors.New("Invalid data found when processing input"))

			rec := serve(renderRequest(res.VideoPath))
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring("Invalid data found"))
			Expect(res.VideoPath).To(BeAnExistingFile())
		})

		It("rejects malformed JSON", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/subtitles/render", bytes.NewReader([]byte("{")))
			Expect(serve(req).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("with authentication", func() {
		var jwtService *auth.JWTService

		BeforeEach(func() {
			jwtService = auth.NewJWTService("secret")
			deps.JWT = jwtService
		})

		It("protects API routes but not health", func() {
			Expect(serve(httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code).To(Equal(http.StatusOK))
			Expect(serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4")).Code).To(Equal(http.StatusUnauthorized))

			token, err := jwtService.GenerateToken("editor", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			req := uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4")
			req.Header.Set("Authorization", "Bearer "+token)
			Expect(serve(req).Code).To(Equal(http.StatusOK))
		})
	})

	Context("with rate limiting", func() {
		BeforeEach(func() { deps.RateLimit = 1 })

		It("limits generation requests", func() {
			Expect(serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4")).Code).To(Equal(http.StatusOK))
			Expect(serve(uploadRequest("/api/v1/subtitles/generate", "talk.mp4", "video/mp4")).Code).To(Equal(http.StatusTooManyRequests))
		})
	})

	Context("with a job queue", func() {
		var queue *job.JobQueue

		BeforeEach(func() {
			queue = job.NewJobQueue(database.DB(), pipeline.PublicMessage)
			DeferCleanup(queue.Stop)
			deps.Queue = queue
		})

		JustBeforeEach(func() {
			queue.Start()
		})

		fetch := func(id string) job.Job {
			rec := serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil))
			Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())
			var j job.Job
			decode(rec, &j)
			return j
		}

		It("runs generation in the background", func() {
			rec := serve(uploadRequest("/api/v1/subtitles/jobs", "talk.mp4", "video/mp4"))
			Expect(rec.Code).To(Equal(http.StatusAccepted), rec.Body.String())
			var queued job.Job
			decode(rec, &queued)
			Expect(queued.Type).To(Equal(job.JobGenerate))

			Eventually(func() job.JobStatus { return fetch(queued.ID).Status }).Should(Equal(job.StatusCompleted))

			var res pipeline.GenerateResult
			Expect(json.Unmarshal(fetch(queued.ID).Result, &res)).To(Succeed())
			Expect(res.VideoPath).To(Equal(queued.FilePath))
			Expect(res.Segments).To(Equal(fake.segments))

			list := serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
			Expect(list.Code).To(Equal(http.StatusOK))
			var jobs []job.Job
			decode(list, &jobs)
			Expect(jobs).To(HaveLen(1))

			retry := serve(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+queued.ID+"/retry", nil))
			Expect(retry.Code).To(Equal(http.StatusConflict))
		})

		It("stores the public message of failed jobs and keeps the upload", func() {
			fake.mu.Lock()
			fake.genErr = pipeline.Wrap(pipeline.ErrProcessing, "diarize", "", errors.New("segfault"))
			fake.mu.Unlock()

			rec := serve(uploadRequest("/api/v1/subtitles/jobs", "talk.mp4", "video/mp4"))
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			var queued job.Job
			decode(rec, &queued)

			Eventually(func() job.JobStatus { return fetch(queued.ID).Status }).Should(Equal(job.StatusFailed))
			Expect(fetch(queued.ID).Error).To(Equal(pipeline.PublicMessage(fake.genErr)))
			Expect(queued.FilePath).To(BeAnExistingFile())
		})

		Context("with a job left over by a previous process", func() {
			BeforeEach(func() {
				_, err := database.DB().Exec(
					"INSERT INTO jobs (id, type, status, file_path, params, created_at) VALUES ('leftover', 'generate', 'pending', '/uploads/old.mp4', '{}', ?)",
					time.Now().UTC())
				Expect(err).NotTo(HaveOccurred())
			})

			It("resumes it with the generation handler", func() {
				Eventually(func() job.JobStatus { return fetch("leftover").Status }).Should(Equal(job.StatusCompleted))
				Expect(fetch("leftover").Error).To(BeEmpty())
			})
		})

		It("returns 404 for unknown jobs", func() {
			Expect(serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)).Code).To(Equal(http.StatusNotFound))
			Expect(serve(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/missing", nil)).Code).To(Equal(http.StatusNotFound))
		})
	})

	It("omits job routes without a queue", func() {
		rec := serve(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("answers CORS preflight for configured origins", func() {
		deps.CORSOrigins = []string{"http://localhost:3000"}
		handler = api.NewRouter(deps)
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/subtitles/render", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := serve(req)
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:3000"))
	})
})
