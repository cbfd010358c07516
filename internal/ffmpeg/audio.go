package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ExtractAudio writes a mono 16-bit PCM WAV at sampleRate to a temp file and
// returns its path. The caller removes it.
func ExtractAudio(ctx context.Context, ffmpegBinary, mediaPath string, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	tmpFile, err := os.CreateTemp("", "captioner-audio-*.wav")
	if err != nil {
		return "", err
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, binaryOr(ffmpegBinary, "ffmpeg"),
		"-hide_banner",
		"-loglevel", "error",
		"-i", mediaPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(sampleRate),
		"-ac", "1",
		"-y",
		tmpFile.Name(),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("ffmpeg: %s: %w", strings.TrimSpace(string(output)), err)
	}

	return tmpFile.Name(), nil
}

// ExtractAudioMP3 extracts a ~130kbps VBR MP3, small enough for hosted APIs.
func ExtractAudioMP3(ctx context.Context, ffmpegBinary, mediaPath string) (string, error) {
	tmpFile, err := os.CreateTemp("", "captioner-audio-*.mp3")
	if err != nil {
		return "", err
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, binaryOr(ffmpegBinary, "ffmpeg"),
		"-hide_banner",
		"-loglevel", "error",
		"-i", mediaPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "4",
		"-y",
		tmpFile.Name(),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("ffmpeg: %s: %w", strings.TrimSpace(string(output)), err)
	}

	return tmpFile.Name(), nil
}

// SplitAudio cuts audioPath into chunks of chunkSeconds inside dir and returns
// the chunk paths in playback order.
func SplitAudio(ctx context.Context, ffmpegBinary, audioPath, dir string, chunkSeconds int) ([]string, error) {
	pattern := filepath.Join(dir, "chunk_%03d.mp3")
	cmd := exec.CommandContext(ctx, binaryOr(ffmpegBinary, "ffmpeg"),
		"-hide_banner", "-loglevel", "error",
		"-i", audioPath,
		"-f", "segment",
		"-segment_time", fmt.Sprint(chunkSeconds),
		"-c:a", "libmp3lame",
		"-q:a", "4",
		"-y",
		pattern,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg split: %s: %w", strings.TrimSpace(string(output)), err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var chunks []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk_") && strings.HasSuffix(e.Name(), ".mp3") {
			chunks = append(chunks, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(chunks)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no audio chunks generated")
	}
	return chunks, nil
}
