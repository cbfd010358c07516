package diarize

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// AudioInfo describes a resampled WAV file.
type AudioInfo struct {
	SampleRate int
	Channels   int
	Duration   time.Duration
	Peak       int // highest absolute sample value; 0 means digital silence
}

// Silent reports whether the audio has no usable signal.
func (a AudioInfo) Silent() bool {
	return a.Duration <= 0 || a.Peak == 0
}

// InspectWAV reads the header and streams the PCM data of a WAV file.
func InspectWAV(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if err := d.FwdToPCM(); err != nil {
		return AudioInfo{}, fmt.Errorf("read wav: %w", err)
	}
	if err := d.Err(); err != nil {
		return AudioInfo{}, fmt.Errorf("read wav: %w", err)
	}

	info := AudioInfo{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
	}
	frameBytes := int64(d.NumChans) * int64(d.BitDepth/8)
	if info.SampleRate > 0 && frameBytes > 0 {
		frames := d.PCMLen() / frameBytes
		info.Duration = time.Duration(float64(frames) / float64(info.SampleRate) * float64(time.Second))
	}
	if info.Duration == 0 {
		return info, nil
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: info.Channels, SampleRate: info.SampleRate},
		Data:   make([]int, 64*1024),
	}
	for {
		n, err := d.PCMBuffer(buf)
		if err != nil {
			return info, fmt.Errorf("read pcm: %w", err)
		}
		if n <= 0 {
			break
		}
		for _, v := range buf.Data[:n] {
			if v < 0 {
				v = -v
			}
			if v > info.Peak {
				info.Peak = v
			}
		}
	}
	return info, nil
}
