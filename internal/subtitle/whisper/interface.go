package whisper

import (
	"context"

	"github.com/video-stream/captioner/internal/subtitle"
)

// TranscribeRequest is the input for a transcription
type TranscribeRequest struct {
	FilePath string // absolute path to the media file
	Language string // "auto", "pt", "en", etc.
}

// TranscribeResult is the output of a transcription
type TranscribeResult struct {
	Segments []subtitle.RawSegment
	Language string
}

// Transcriber is the common interface for all whisper engines
type Transcriber interface {
	// Transcribe converts the audio track of a media file to timed segments
	Transcribe(ctx context.Context, req TranscribeRequest, updateProgress func(float64)) (*TranscribeResult, error)
	// Ping verifies the engine can serve requests
	Ping(ctx context.Context) error
	// Name returns the engine name
	Name() string
}
