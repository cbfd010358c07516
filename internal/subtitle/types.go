package subtitle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawSegment is one recognized utterance as returned by a transcription engine.
type RawSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Turn is one diarization interval. SpeakerID is opaque and only meaningful
// within a single diarization run.
type Turn struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker"`
}

// Subtitle is a fused, speaker-attributed subtitle entry.
type Subtitle struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

// FontSize accepts both JSON numbers and numeric strings ("28").
type FontSize int

func (f *FontSize) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("font size %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("font size %q: must not be negative", s)
	}
	*f = FontSize(v)
	return nil
}

// DefaultStyle is the base look applied to every subtitle.
type DefaultStyle struct {
	FontName  string   `json:"font_name" toml:"font_name"`
	FontSize  FontSize `json:"font_size" toml:"font_size"`
	FontColor string   `json:"font_color" toml:"font_color"`
}

// SpeakerStyle overrides the default look for one speaker label.
type SpeakerStyle struct {
	Name     string   `json:"name"`
	Color    string   `json:"color"`
	FontSize FontSize `json:"font_size,omitempty"`
}

// StyleConfig is the caller-supplied styling for a render. Speakers is keyed
// by the fused speaker label ("Interlocutor 1", ...).
type StyleConfig struct {
	Default  DefaultStyle            `json:"default"`
	Speakers map[string]SpeakerStyle `json:"speakers"`
}

const (
	DefaultFontName  = "Arial"
	DefaultFontSize  = 28
	DefaultFontColor = "#FFFFFF"
)

// NewDefaultStyle returns the built-in base style.
func NewDefaultStyle() DefaultStyle {
	return DefaultStyle{
		FontName:  DefaultFontName,
		FontSize:  DefaultFontSize,
		FontColor: DefaultFontColor,
	}
}

// WithDefaults fills empty default-style fields from base.
func (c StyleConfig) WithDefaults(base DefaultStyle) StyleConfig {
	if strings.TrimSpace(c.Default.FontName) == "" {
		c.Default.FontName = base.FontName
	}
	if c.Default.FontSize <= 0 {
		c.Default.FontSize = base.FontSize
	}
	if strings.TrimSpace(c.Default.FontColor) == "" {
		c.Default.FontColor = base.FontColor
	}
	return c
}
