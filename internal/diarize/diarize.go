// Package diarize finds speaker turns in media files.
package diarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/video-stream/captioner/internal/subtitle"
)

const (
	EnginePyannote = "pyannote"
	EngineNone     = "none"
)

// Diarizer returns ordered speaker turns. An empty result is valid.
type Diarizer interface {
	Diarize(ctx context.Context, mediaPath string) ([]subtitle.Turn, error)
}

// Config selects and configures the diarization engine.
type Config struct {
	Engine       string
	Model        string
	HFToken      string
	SampleRate   int
	UVXBinary    string
	CUDA         bool
	FFmpegBinary string
	WorkDir      string
}

// Load builds the configured engine and makes sure its model can be loaded.
func Load(ctx context.Context, cfg Config) (Diarizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Engine)) {
	case "", EnginePyannote:
		return NewPyannote(ctx, cfg)
	case EngineNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown diarization engine: %s (available: %s, %s)", cfg.Engine, EnginePyannote, EngineNone)
	}
}

// Noop never finds speakers; every subtitle ends up unattributed.
type Noop struct{}

func (Noop) Diarize(context.Context, string) ([]subtitle.Turn, error) {
	return nil, nil
}
