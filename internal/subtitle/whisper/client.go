package whisper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/subtitle"
)

const maxRetries = 3

// WhisperCppClient talks to the whisper.cpp HTTP server (whisper-server)
type WhisperCppClient struct {
	baseURL      string
	ffmpegBinary string
	sampleRate   int
	httpClient   *http.Client
	backoff      func(attempt int) time.Duration
}

// NewWhisperCppClient creates a client for the whisper.cpp server
func NewWhisperCppClient(baseURL, ffmpegBinary string, sampleRate int) *WhisperCppClient {
	return &WhisperCppClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		ffmpegBinary: ffmpegBinary,
		sampleRate:   sampleRate,
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // transcription can be very long
		},
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
}

func (c *WhisperCppClient) Name() string {
	return EngineWhisperCpp
}

// Ping checks that the server answers HTTP.
func (c *WhisperCppClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper server unreachable at %s: %w", c.baseURL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("whisper server at %s answered %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

// Transcribe extracts audio, sends it to whisper-server and parses the VTT reply
func (c *WhisperCppClient) Transcribe(ctx context.Context, req TranscribeRequest, updateProgress func(float64)) (*TranscribeResult, error) {
	updateProgress(0.05)
	audioPath, err := ffmpeg.ExtractAudio(ctx, c.ffmpegBinary, req.FilePath, c.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	defer os.Remove(audioPath)

	updateProgress(0.1)

	vtt, err := c.sendWithRetry(ctx, audioPath, req.Language, updateProgress)
	if err != nil {
		return nil, err
	}

	updateProgress(0.95)
	return &TranscribeResult{
		Segments: subtitle.ParseVTT(vtt),
		Language: req.Language,
	}, nil
}

func (c *WhisperCppClient) sendWithRetry(ctx context.Context, audioPath, language string, updateProgress func(float64)) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			log.Info().Str("component", "whisper").Msgf("retry %d/%d after %v", attempt, maxRetries, backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		vtt, status, err := c.send(ctx, audioPath, language, updateProgress)
		if err == nil {
			return vtt, nil
		}
		lastErr = err

		if isOOMError(err.Error()) {
			return "", fmt.Errorf("GPU out of memory, try a smaller model: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableError(status, err) {
			return "", err
		}

		log.Warn().Str("component", "whisper").Err(err).Msgf("transient error (attempt %d/%d)", attempt+1, maxRetries+1)
	}

	return "", fmt.Errorf("whisper server failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *WhisperCppClient) send(ctx context.Context, audioPath, language string, updateProgress func(float64)) (string, int, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	audioFile, err := os.Open(audioPath)
	if err != nil {
		return "", 0, fmt.Errorf("open audio: %w", err)
	}
	defer audioFile.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", 0, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, audioFile); err != nil {
		return "", 0, fmt.Errorf("copy audio data: %w", err)
	}

	writer.WriteField("response_format", "vtt")
	writer.WriteField("temperature", "0.0")
	if language != "" && language != "auto" {
		writer.WriteField("language", language)
	}
	writer.Close()

	updateProgress(0.15)

	url := c.baseURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	log.Info().Str("component", "whisper").Str("url", url).Str("audio", audioPath).Msg("sending transcription request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("whisper server request: %w", err)
	}
	defer resp.Body.Close()

	updateProgress(0.9)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("whisper server error (status %d): %s", resp.StatusCode, string(body))
	}

	return string(body), resp.StatusCode, nil
}
