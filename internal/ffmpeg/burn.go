package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// BurnOptions configures the subtitle burner.
type BurnOptions struct {
	Binary  string
	Encoder string // software encoder, libx264 by default
	CRF     int
	Preset  string
	HWAccel bool
	TempDir string
}

// Burner hard-codes ASS subtitles into a video with ffmpeg's ass filter.
type Burner struct {
	binary  string
	encoder EncoderInfo
	crf     int
	preset  string
	tempDir string
}

// NewBurner checks that ffmpeg is runnable and has the ass filter, then picks
// an encoder.
func NewBurner(ctx context.Context, opts BurnOptions) (*Burner, error) {
	binary := binaryOr(opts.Binary, "ffmpeg")
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q: %w", binary, err)
	}
	if err := verifyASSFilter(ctx, binary); err != nil {
		return nil, err
	}

	b := &Burner{
		binary:  binary,
		encoder: SoftwareEncoder,
		crf:     opts.CRF,
		preset:  opts.Preset,
		tempDir: opts.TempDir,
	}
	if opts.Encoder != "" {
		b.encoder = EncoderInfo{Encoder: opts.Encoder}
	}
	if b.crf <= 0 {
		b.crf = 23
	}
	if b.preset == "" {
		b.preset = "fast"
	}
	if opts.HWAccel {
		if enc := DetectEncoder(ctx, binary); enc.HWAccel != "" {
			b.encoder = enc
		}
	}

	log.Info().Str("component", "ffmpeg").Str("encoder", b.encoder.Encoder).Msg("subtitle burner ready")
	return b, nil
}

// Encoder reports the selected encoder.
func (b *Burner) Encoder() EncoderInfo {
	return b.encoder
}

// Burn writes track to a temporary .ass file, renders videoPath with it into
// outputPath and removes the temporary file. A failed run leaves no output
// file and returns ffmpeg's stderr in the error.
func (b *Burner) Burn(ctx context.Context, videoPath, track, outputPath string) error {
	trackFile, err := os.CreateTemp(b.tempDir, "captioner-*.ass")
	if err != nil {
		return fmt.Errorf("create track file: %w", err)
	}
	trackPath := trackFile.Name()
	defer os.Remove(trackPath)

	if _, err := trackFile.WriteString(track); err != nil {
		trackFile.Close()
		return fmt.Errorf("write track file: %w", err)
	}
	if err := trackFile.Close(); err != nil {
		return fmt.Errorf("close track file: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.binary, b.args(videoPath, trackPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug().Str("component", "ffmpeg").Str("video", videoPath).Str("output", outputPath).Msg("burning subtitles")

	if err := cmd.Run(); err != nil {
		if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Str("component", "ffmpeg").Err(rmErr).Str("output", outputPath).Msg("failed to remove partial output")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

func (b *Burner) args(videoPath, trackPath, outputPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	filter := "ass=" + escapeFilterPath(trackPath)

	if b.encoder.HWAccel == "vaapi" {
		args = append(args, "-vaapi_device", b.encoder.Device)
		filter += ",format=nv12,hwupload"
	}
	args = append(args, "-i", videoPath, "-vf", filter, "-c:v", b.encoder.Encoder)

	if b.encoder.HWAccel == "vaapi" {
		args = append(args, "-qp", fmt.Sprint(b.crf))
	} else {
		args = append(args, "-crf", fmt.Sprint(b.crf), "-preset", b.preset)
	}
	return append(args, "-c:a", "copy", "-y", outputPath)
}

var filterPathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`:`, `\:`,
	`'`, `\'`,
	`,`, `\,`,
	`;`, `\;`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeFilterPath(p string) string {
	return filterPathEscaper.Replace(p)
}

func verifyASSFilter(ctx context.Context, binary string) error {
	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-filters").CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg -filters: %w: %s", err, strings.TrimSpace(string(out)))
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "ass" {
			return nil
		}
	}
	return fmt.Errorf("ffmpeg build lacks the ass filter (libass)")
}
