package whisper

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/subtitle"
)

const (
	EngineWhisperCpp = "whisper.cpp"
	EngineOpenAI     = "openai"
)

// Config selects and configures the transcription engine.
type Config struct {
	Engine        string
	ServerURL     string
	Language      string
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	FFmpegBinary  string
	SampleRate    int
}

// Service runs transcriptions through one configured engine.
type Service struct {
	engine   Transcriber
	language string
}

// NewEngine builds the engine named by cfg.Engine without contacting it.
func NewEngine(cfg Config) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Engine)) {
	case "", EngineWhisperCpp:
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("whisper.cpp engine requires WHISPER_URL")
		}
		return NewWhisperCppClient(cfg.ServerURL, cfg.FFmpegBinary, cfg.SampleRate), nil
	case EngineOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai engine requires OPENAI_API_KEY")
		}
		return NewOpenAIWhisperClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.FFmpegBinary), nil
	default:
		return nil, fmt.Errorf("unknown whisper engine: %s (available: %s, %s)", cfg.Engine, EngineWhisperCpp, EngineOpenAI)
	}
}

// Load builds the configured engine and verifies it is reachable.
func Load(ctx context.Context, cfg Config) (*Service, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return newService(ctx, engine, cfg)
}

func newService(ctx context.Context, engine Transcriber, cfg Config) (*Service, error) {
	if err := engine.Ping(ctx); err != nil {
		return nil, err
	}
	log.Info().Str("component", "whisper").Str("engine", engine.Name()).Msg("transcription engine ready")
	return &Service{engine: engine, language: cfg.Language}, nil
}

// Transcribe returns the recognized segments of mediaPath. progress receives
// the engine's own progress in [0,1] and may be nil.
func (s *Service) Transcribe(ctx context.Context, mediaPath string, progress func(float64)) ([]subtitle.RawSegment, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	log.Info().Str("component", "whisper").Str("engine", s.engine.Name()).Str("file", mediaPath).
		Str("language", s.language).Msg("starting transcription")

	result, err := s.engine.Transcribe(ctx, TranscribeRequest{
		FilePath: mediaPath,
		Language: s.language,
	}, progress)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	log.Info().Str("component", "whisper").Int("segments", len(result.Segments)).
		Str("language", result.Language).Msg("transcription complete")
	return result.Segments, nil
}
