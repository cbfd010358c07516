package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/subtitle"
)

// DefaultModel is the pyannote pipeline used when none is configured.
const DefaultModel = "pyannote/speaker-diarization-community-1"

// diarizeScript loads a pyannote pipeline and prints speaker turns as JSON.
// With --check it only loads the pipeline, which downloads the weights on
// first use.
const diarizeScript = `#!/usr/bin/env python3
import argparse
import json
import os
import sys
import warnings

warnings.filterwarnings("ignore", message=".*torchcodec.*")

import torch
import torchaudio
from pyannote.audio import Pipeline


def load_pipeline(model, hf_token):
    device = torch.device("cuda" if torch.cuda.is_available() else "cpu")
    pipeline = Pipeline.from_pretrained(model, token=hf_token)
    if pipeline is None:
        raise RuntimeError("could not load pipeline " + model)
    return pipeline.to(device)


def load_audio(audio_path, sample_rate):
    waveform, sr = torchaudio.load(audio_path)
    if sr != sample_rate:
        waveform = torchaudio.transforms.Resample(sr, sample_rate)(waveform)
    if waveform.shape[0] > 1:
        waveform = waveform.mean(dim=0, keepdim=True)
    return {"waveform": waveform, "sample_rate": sample_rate}


def diarize(pipeline, audio_path, sample_rate):
    result = pipeline(load_audio(audio_path, sample_rate))
    annotation = result.speaker_diarization if hasattr(result, "speaker_diarization") else result
    turns = []
    for turn, _, speaker in annotation.itertracks(yield_label=True):
        turns.append({
            "start": round(turn.start, 3),
            "end": round(turn.end, 3),
            "speaker": speaker,
        })
    return turns


def main():
    parser = argparse.ArgumentParser()
    parser.add_argument("--model", required=True)
    parser.add_argument("--audio")
    parser.add_argument("--sample-rate", type=int, default=16000)
    parser.add_argument("--check", action="store_true")
    args = parser.parse_args()
    try:
        pipeline = load_pipeline(args.model, os.environ["HF_TOKEN"])
        if args.check:
            print(json.dumps({"ok": True}))
            return
        print(json.dumps({"turns": diarize(pipeline, args.audio, args.sample_rate)}))
    except Exception as e:
        print(json.dumps({"error": str(e)}), file=sys.stderr)
        sys.exit(1)


if __name__ == "__main__":
    main()
`

// scriptResult is the JSON printed by diarizeScript.
type scriptResult struct {
	OK    bool         `json:"ok,omitempty"`
	Turns []scriptTurn `json:"turns,omitempty"`
	Error string       `json:"error,omitempty"`
}

type scriptTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// commandRunner executes name with args and env, returning stdout and stderr.
type commandRunner func(ctx context.Context, name string, args, env []string) ([]byte, []byte, error)

func runCommand(ctx context.Context, name string, args, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = env
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Pyannote runs a pyannote pipeline through uvx.
type Pyannote struct {
	cfg        Config
	scriptPath string
	run        commandRunner
	extract    func(ctx context.Context, ffmpegBinary, mediaPath string, sampleRate int) (string, error)
}

// NewPyannote writes the helper script and loads the pipeline once so that
// model downloads and gated-model errors surface at load time.
func NewPyannote(ctx context.Context, cfg Config) (*Pyannote, error) {
	return newPyannote(ctx, cfg, runCommand)
}

func newPyannote(ctx context.Context, cfg Config, run commandRunner) (*Pyannote, error) {
	if strings.TrimSpace(cfg.HFToken) == "" {
		return nil, errors.New("pyannote requires HF_TOKEN (the diarization models are gated on Hugging Face)")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.UVXBinary == "" {
		cfg.UVXBinary = "uvx"
	}
	if _, err := exec.LookPath(cfg.UVXBinary); err != nil {
		return nil, fmt.Errorf("uvx binary %q: %w", cfg.UVXBinary, err)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create diarization work dir: %w", err)
	}
	scriptPath := filepath.Join(workDir, "diarize.py")
	if err := os.WriteFile(scriptPath, []byte(diarizeScript), 0o644); err != nil {
		return nil, fmt.Errorf("write diarization script: %w", err)
	}

	p := &Pyannote{cfg: cfg, scriptPath: scriptPath, run: run, extract: ffmpeg.ExtractAudio}

	log.Info().Str("component", "diarize").Str("model", cfg.Model).Msg("loading pyannote pipeline")
	if _, err := p.invoke(ctx, "--check"); err != nil {
		return nil, err
	}
	log.Info().Str("component", "diarize").Str("model", cfg.Model).Msg("pyannote pipeline ready")
	return p, nil
}

// Diarize resamples the audio track and runs the pipeline on it.
func (p *Pyannote) Diarize(ctx context.Context, mediaPath string) ([]subtitle.Turn, error) {
	audioPath, err := p.extract(ctx, p.cfg.FFmpegBinary, mediaPath, p.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	defer os.Remove(audioPath)

	info, err := InspectWAV(audioPath)
	if err != nil {
		return nil, err
	}
	if info.Silent() {
		log.Info().Str("component", "diarize").Str("file", mediaPath).Msg("audio is silent, skipping diarization")
		return nil, nil
	}

	res, err := p.invoke(ctx, "--audio", audioPath, "--sample-rate", fmt.Sprint(p.cfg.SampleRate))
	if err != nil {
		return nil, err
	}

	turns := make([]subtitle.Turn, 0, len(res.Turns))
	for _, t := range res.Turns {
		turns = append(turns, subtitle.Turn{Start: t.Start, End: t.End, SpeakerID: t.Speaker})
	}
	log.Info().Str("component", "diarize").Int("turns", len(turns)).Dur("audio", info.Duration).Msg("diarization complete")
	return turns, nil
}

func (p *Pyannote) invoke(ctx context.Context, extra ...string) (scriptResult, error) {
	args := []string{
		"--quiet",
		"--with", "pyannote.audio",
		"--with", "torchaudio",
		"--with", "soundfile",
	}
	if p.cfg.CUDA {
		args = append(args,
			"--index-url", "https://download.pytorch.org/whl/cu128",
			"--extra-index-url", "https://pypi.org/simple",
		)
	}
	args = append(args, "python", p.scriptPath,
		"--model", p.cfg.Model,
	)
	args = append(args, extra...)

	// the token stays out of argv
	env := append(os.Environ(), "HF_TOKEN="+p.cfg.HFToken)
	if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
		env = append(env, "TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1")
	}

	stdout, stderr, err := p.run(ctx, p.cfg.UVXBinary, args, env)
	if err != nil {
		return scriptResult{}, scriptError(p.cfg.Model, stderr, err)
	}

	var res scriptResult
	if err := json.Unmarshal(lastLine(stdout), &res); err != nil {
		return scriptResult{}, fmt.Errorf("parse diarization output: %w", err)
	}
	if res.Error != "" {
		return scriptResult{}, fmt.Errorf("pyannote: %s", res.Error)
	}
	return res, nil
}

func scriptError(model string, stderr []byte, err error) error {
	var res scriptResult
	if json.Unmarshal(lastLine(stderr), &res) == nil && res.Error != "" {
		if strings.Contains(res.Error, "GatedRepo") || strings.Contains(res.Error, "401") {
			return fmt.Errorf("pyannote: access to %s denied, accept the model terms on Hugging Face: %s", model, res.Error)
		}
		return fmt.Errorf("pyannote: %s", res.Error)
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("pyannote: %w", err)
	}
	return fmt.Errorf("pyannote: %w: %s", err, string(lastLine(stderr)))
}

// lastLine returns the last non-empty line; libraries may print warnings first.
func lastLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if l := bytes.TrimSpace(lines[i]); len(l) > 0 {
			return l
		}
	}
	return nil
}
