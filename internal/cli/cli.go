// Package cli defines the captioner command line.
package cli

import (
	"context"

	"github.com/video-stream/captioner/internal/config"
	"github.com/video-stream/captioner/internal/diarize"
	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/logging"
	"github.com/video-stream/captioner/internal/metrics"
	"github.com/video-stream/captioner/internal/pipeline"
	"github.com/video-stream/captioner/internal/subtitle/whisper"
)

// Context holds the flags shared by every command.
type Context struct {
	ConfigFile string  `name:"config" short:"c" type:"path" help:"TOML configuration file (defaults to CONFIG_FILE)"`
	LogLevel   *string `name:"log-level" enum:"error,warn,info,debug,trace" help:"Override the configured log level [${enum}]"`
	LogFormat  *string `name:"log-format" enum:"console,json" help:"Override the configured log format [${enum}]"`
}

type CLI struct {
	Context `embed:""`

	Serve    ServeCMD    `cmd:"" default:"1" help:"Run the HTTP API (default command)"`
	Generate GenerateCMD `cmd:"" help:"Generate speaker-labelled subtitles for a video and print them as JSON"`
	Render   RenderCMD   `cmd:"" help:"Burn subtitles into a video"`
	Token    TokenCMD    `cmd:"" help:"Mint a bearer token for the HTTP API"`
}

// load reads the configuration and sets up logging from it.
func (c *Context) load() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != nil {
		cfg.Logging.Level = *c.LogLevel
	}
	if c.LogFormat != nil {
		cfg.Logging.Format = *c.LogFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// loaders wires the configured engines into lazily initialized handles.
func loaders(cfg *config.Config) pipeline.Loaders {
	return pipeline.Loaders{
		Transcriber: func(ctx context.Context) (pipeline.Transcriber, error) {
			svc, err := whisper.Load(ctx, cfg.WhisperConfig())
			if err != nil {
				return nil, err
			}
			return svc, nil
		},
		Diarizer: func(ctx context.Context) (pipeline.Diarizer, error) {
			d, err := diarize.Load(ctx, cfg.DiarizeConfig())
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		Compositor: func(ctx context.Context) (pipeline.Compositor, error) {
			b, err := ffmpeg.NewBurner(ctx, cfg.BurnOptions())
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

func newService(cfg *config.Config, m *metrics.Metrics) *pipeline.Service {
	return pipeline.NewService(loaders(cfg),
		pipeline.WithDefaultStyle(cfg.Style),
		pipeline.WithMetrics(m),
	)
}
