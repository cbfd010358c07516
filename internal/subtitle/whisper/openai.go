package whisper

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/subtitle"
)

const (
	maxOpenAIFileSize = 25 * 1024 * 1024 // 25MB upload limit
	chunkSeconds      = 600
)

// audioTranscriber is the slice of the go-openai client used here.
type audioTranscriber interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIWhisperClient uses the OpenAI (or any compatible) transcription API
type OpenAIWhisperClient struct {
	client       audioTranscriber
	model        string
	ffmpegBinary string
	maxFileSize  int64
}

// NewOpenAIWhisperClient builds a client. An empty baseURL targets api.openai.com.
func NewOpenAIWhisperClient(apiKey, baseURL, model, ffmpegBinary string) *OpenAIWhisperClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIWhisperClient{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		ffmpegBinary: ffmpegBinary,
		maxFileSize:  maxOpenAIFileSize,
	}
}

func (c *OpenAIWhisperClient) Name() string {
	return EngineOpenAI
}

// Ping lists models, which fails fast on a bad key or endpoint.
func (c *OpenAIWhisperClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai transcription endpoint: %w", err)
	}
	return nil
}

func (c *OpenAIWhisperClient) Transcribe(ctx context.Context, req TranscribeRequest, updateProgress func(float64)) (*TranscribeResult, error) {
	// MP3 is much smaller than WAV for upload
	updateProgress(0.05)
	audioPath, err := ffmpeg.ExtractAudioMP3(ctx, c.ffmpegBinary, req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	defer os.Remove(audioPath)

	updateProgress(0.1)

	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > c.maxFileSize {
		return c.transcribeChunked(ctx, req, audioPath, updateProgress)
	}

	segments, lang, err := c.transcribeSingle(ctx, audioPath, req.Language, 0)
	if err != nil {
		return nil, err
	}
	updateProgress(0.95)
	return &TranscribeResult{Segments: segments, Language: lang}, nil
}

func (c *OpenAIWhisperClient) transcribeSingle(ctx context.Context, audioPath, language string, offset float64) ([]subtitle.RawSegment, string, error) {
	areq := openai.AudioRequest{
		Model:    c.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}
	if language != "" && language != "auto" {
		areq.Language = language
	}

	log.Info().Str("component", "whisper-openai").Str("model", c.model).Msg("sending transcription request")

	resp, err := c.client.CreateTranscription(ctx, areq)
	if err != nil {
		return nil, "", fmt.Errorf("openai transcription: %w", err)
	}

	segments := make([]subtitle.RawSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, subtitle.RawSegment{
			Start: s.Start + offset,
			End:   s.End + offset,
			Text:  s.Text,
		})
	}
	return segments, resp.Language, nil
}

// transcribeChunked splits a large audio file into 10-minute chunks and shifts
// each chunk's segment times by its offset.
func (c *OpenAIWhisperClient) transcribeChunked(ctx context.Context, req TranscribeRequest, audioPath string, updateProgress func(float64)) (*TranscribeResult, error) {
	chunkDir, err := os.MkdirTemp("", "captioner-chunks-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(chunkDir)

	chunks, err := ffmpeg.SplitAudio(ctx, c.ffmpegBinary, audioPath, chunkDir, chunkSeconds)
	if err != nil {
		return nil, err
	}
	updateProgress(0.15)

	var all []subtitle.RawSegment
	var lang string
	for i, chunk := range chunks {
		updateProgress(0.15 + 0.75*float64(i)/float64(len(chunks)))

		segs, l, err := c.transcribeSingle(ctx, chunk, req.Language, float64(i*chunkSeconds))
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if lang == "" {
			lang = l
		}
		all = append(all, segs...)
	}

	updateProgress(0.95)
	return &TranscribeResult{Segments: all, Language: lang}, nil
}
