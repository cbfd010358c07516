// Package pipeline runs subtitle generation (transcribe, diarize, fuse) and
// rendering (compile styles, encode, burn) on top of lazily loaded engines.
package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/lazy"
	"github.com/video-stream/captioner/internal/metrics"
	"github.com/video-stream/captioner/internal/subtitle"
)

// Transcriber turns a media file into ordered recognition segments. progress
// receives the transcriber's own progress in [0,1].
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string, progress func(float64)) ([]subtitle.RawSegment, error)
}

// Diarizer returns speaker turns for a media file. An empty result means no
// speaker information and is not an error.
type Diarizer interface {
	Diarize(ctx context.Context, mediaPath string) ([]subtitle.Turn, error)
}

// Compositor burns an ASS document into a copy of a video.
type Compositor interface {
	Burn(ctx context.Context, videoPath, track, outputPath string) error
}

// ProgressFunc receives coarse progress in [0,1]. May be nil.
type ProgressFunc func(float64)

// Loaders build the three engines on first use.
type Loaders struct {
	Transcriber lazy.InitFunc[Transcriber]
	Diarizer    lazy.InitFunc[Diarizer]
	Compositor  lazy.InitFunc[Compositor]
}

// GenerateResult is the caller-facing outcome of a generation run.
type GenerateResult struct {
	Segments  []subtitle.Subtitle `json:"segments"`
	VideoPath string              `json:"video_path"`
}

// RenderRequest asks for subtitles to be burned into VideoPath.
type RenderRequest struct {
	VideoPath string               `json:"video_path"`
	Subtitles []subtitle.Subtitle  `json:"subtitles"`
	Styles    subtitle.StyleConfig `json:"styles"`
}

// HandleStatus describes one engine handle.
type HandleStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Service owns the engine handles. Safe for concurrent use.
type Service struct {
	transcriber *lazy.Handle[Transcriber]
	diarizer    *lazy.Handle[Diarizer]
	compositor  *lazy.Handle[Compositor]

	defaultStyle subtitle.DefaultStyle
	metrics      *metrics.Metrics
}

type Option func(*Service)

// WithDefaultStyle sets the base style used when a render request omits fields.
func WithDefaultStyle(style subtitle.DefaultStyle) Option {
	return func(s *Service) { s.defaultStyle = style }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(loaders Loaders, opts ...Option) *Service {
	s := &Service{defaultStyle: subtitle.NewDefaultStyle()}
	for _, opt := range opts {
		opt(s)
	}

	observe := func(name string, err error) {
		s.metrics.ObserveHandleInit(name, err)
		if err != nil {
			log.Warn().Str("component", "pipeline").Str("handle", name).Err(err).Msg("handle initialization failed")
			return
		}
		log.Info().Str("component", "pipeline").Str("handle", name).Msg("handle ready")
	}
	s.transcriber = lazy.New("transcriber", loaders.Transcriber).Observe(observe)
	s.diarizer = lazy.New("diarizer", loaders.Diarizer).Observe(observe)
	s.compositor = lazy.New("compositor", loaders.Compositor).Observe(observe)
	return s
}

// Generate produces fused, speaker-labelled subtitles for mediaPath.
func (s *Service) Generate(ctx context.Context, mediaPath string, progress ProgressFunc) (*GenerateResult, error) {
	report := func(p float64) {
		if progress != nil {
			progress(p)
		}
	}

	if err := requireFile(mediaPath); err != nil {
		return nil, Wrap(ErrInputNotFound, "generate", "stat media", err)
	}
	result := &GenerateResult{Segments: []subtitle.Subtitle{}, VideoPath: mediaPath}

	transcriber, err := s.transcriber.Get(ctx)
	if err != nil {
		return nil, Wrap(ErrModelUnavailable, "transcribe", "load transcriber", err)
	}
	report(transcribeStart)

	started := time.Now()
	segments, err := transcriber.Transcribe(ctx, mediaPath, func(p float64) {
		report(transcribeStart + (transcribeEnd-transcribeStart)*clamp01(p))
	})
	s.metrics.ObserveStage("transcribe", started, err)
	if err != nil {
		return nil, Wrap(ErrProcessing, "transcribe", "", err)
	}
	report(transcribeEnd)
	if len(segments) == 0 {
		log.Info().Str("component", "pipeline").Str("media", mediaPath).Msg("no speech recognized")
		return result, nil
	}

	diarizer, err := s.diarizer.Get(ctx)
	if err != nil {
		return nil, Wrap(ErrModelUnavailable, "diarize", "load diarizer", err)
	}

	started = time.Now()
	turns, err := diarizer.Diarize(ctx, mediaPath)
	s.metrics.ObserveStage("diarize", started, err)
	if err != nil {
		return nil, Wrap(ErrProcessing, "diarize", "", err)
	}
	report(0.9)

	started = time.Now()
	result.Segments = subtitle.Fuse(segments, turns)
	s.metrics.ObserveStage("fuse", started, nil)

	log.Info().
		Str("component", "pipeline").
		Str("media", mediaPath).
		Int("segments", len(result.Segments)).
		Int("turns", len(turns)).
		Msg("subtitles generated")
	report(1)
	return result, nil
}

// Render burns req.Subtitles into req.VideoPath and writes outputPath. On
// failure outputPath does not exist afterwards.
func (s *Service) Render(ctx context.Context, req RenderRequest, outputPath string) error {
	if err := requireFile(req.VideoPath); err != nil {
		return Wrap(ErrInputNotFound, "render", "stat video", err)
	}

	compositor, err := s.compositor.Get(ctx)
	if err != nil {
		return Wrap(ErrModelUnavailable, "render", "load compositor", err)
	}

	styles := subtitle.CompileStyles(req.Styles.WithDefaults(s.defaultStyle))
	track := subtitle.Encode(req.Subtitles, styles)

	started := time.Now()
	err = compositor.Burn(ctx, req.VideoPath, track, outputPath)
	s.metrics.ObserveStage("render", started, err)
	if err != nil {
		s.metrics.RenderFailed()
		_ = os.Remove(outputPath)
		if errors.Is(err, ErrRender) {
			return err
		}
		return Wrap(ErrRender, "render", "burn subtitles", err)
	}

	log.Info().
		Str("component", "pipeline").
		Str("video", req.VideoPath).
		Str("output", outputPath).
		Int("subtitles", len(req.Subtitles)).
		Msg("video rendered")
	return nil
}

// Preload warms all handles. Failures are logged and stay retryable.
func (s *Service) Preload(ctx context.Context) {
	if _, err := s.transcriber.Get(ctx); err != nil {
		log.Warn().Err(err).Msg("transcriber preload failed")
	}
	if _, err := s.diarizer.Get(ctx); err != nil {
		log.Warn().Err(err).Msg("diarizer preload failed")
	}
	if _, err := s.compositor.Get(ctx); err != nil {
		log.Warn().Err(err).Msg("compositor preload failed")
	}
}

// Status reports the state of each handle.
func (s *Service) Status() []HandleStatus {
	return []HandleStatus{
		{Name: s.transcriber.Name(), State: s.transcriber.State().String()},
		{Name: s.diarizer.Name(), State: s.diarizer.State().String()},
		{Name: s.compositor.Name(), State: s.compositor.State().String()},
	}
}

// Generate progress is split into these bands: loading, transcription,
// diarization and fusion.
const (
	transcribeStart = 0.05
	transcribeEnd   = 0.5
)

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func requireFile(path string) error {
	if path == "" {
		return os.ErrNotExist
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.ErrNotExist
	}
	return nil
}
