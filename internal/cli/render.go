package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/pipeline"
	"github.com/video-stream/captioner/internal/subtitle"
)

type RenderCMD struct {
	File      string `arg:"" type:"existingfile" help:"Source video"`
	Subtitles string `short:"s" required:"" type:"existingfile" help:"JSON subtitle list, or the output of the generate command"`
	Styles    string `type:"existingfile" help:"JSON style configuration"`
	Output    string `short:"o" required:"" type:"path" help:"Rendered video path"`
}

func (c *RenderCMD) Run(cliCtx *Context) error {
	cfg, err := cliCtx.load()
	if err != nil {
		return err
	}

	subs, err := readSubtitles(c.Subtitles)
	if err != nil {
		return err
	}
	var styles subtitle.StyleConfig
	if c.Styles != "" {
		if styles, err = readStyles(c.Styles); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newService(cfg, nil)
	req := pipeline.RenderRequest{VideoPath: c.File, Subtitles: subs, Styles: styles}
	if err := svc.Render(ctx, req, c.Output); err != nil {
		return err
	}
	log.Info().Str("output", c.Output).Int("subtitles", len(subs)).Msg("render finished")
	return nil
}

// readSubtitles accepts either a bare subtitle array or a generation result.
func readSubtitles(path string) ([]subtitle.Subtitle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var subs []subtitle.Subtitle
		if err := json.Unmarshal(trimmed, &subs); err != nil {
			return nil, fmt.Errorf("parse subtitles %s: %w", path, err)
		}
		return subs, nil
	}
	var result pipeline.GenerateResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, fmt.Errorf("parse subtitles %s: %w", path, err)
	}
	return result.Segments, nil
}

func readStyles(path string) (subtitle.StyleConfig, error) {
	var styles subtitle.StyleConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return styles, err
	}
	if err := json.Unmarshal(data, &styles); err != nil {
		return styles, fmt.Errorf("parse styles %s: %w", path, err)
	}
	return styles, nil
}
