package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInputNotFound    = errors.New("input not found")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrProcessing       = errors.New("processing failure")
	ErrRender           = errors.New("render failure")
)

// Wrap tags err with one of the sentinels above and prefixes stage context.
func Wrap(marker error, stage, operation string, err error) error {
	detail := buildDetail(stage, operation)
	if marker == nil {
		marker = ErrProcessing
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// StatusCode maps a pipeline error to the HTTP status reported to callers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInputNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the caller-facing text for err. Processing failures hide
// engine output, which is logged instead.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInputNotFound):
		return "media file not found"
	case errors.Is(err, ErrModelUnavailable):
		return "a processing model is unavailable, try again later"
	case errors.Is(err, ErrRender):
		return err.Error()
	default:
		return "failed to process the media file"
	}
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "pipeline"
	}
	return strings.Join(parts, ": ")
}
