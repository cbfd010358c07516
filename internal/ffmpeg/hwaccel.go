package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// EncoderInfo describes the H.264 encoder used for burned-in renders.
type EncoderInfo struct {
	Encoder string `json:"encoder"` // e.g. "h264_vaapi", "libx264"
	HWAccel string `json:"hwaccel"` // "vaapi" or "" for software
	Device  string `json:"device"`  // "/dev/dri/renderD128" or ""
}

// SoftwareEncoder is the default libx264 encoder.
var SoftwareEncoder = EncoderInfo{Encoder: "libx264"}

var vaapiDevices = []string{
	"/dev/dri/renderD128",
	"/dev/dri/renderD129",
}

// DetectEncoder picks h264_vaapi when a working render node exists, and falls
// back to the software encoder otherwise.
func DetectEncoder(ctx context.Context, ffmpegBinary string) EncoderInfo {
	device := findVAAPIDevice()
	if device == "" {
		log.Info().Str("component", "hwaccel").Msg("no VAAPI device found, using libx264")
		return SoftwareEncoder
	}
	log.Info().Str("component", "hwaccel").Str("device", device).Msg("found VAAPI device")

	if !testVAAPIEncoder(ctx, ffmpegBinary, device, "h264_vaapi") {
		return SoftwareEncoder
	}
	log.Info().Str("component", "hwaccel").Str("encoder", "h264_vaapi").Msg("encoder available")
	return EncoderInfo{Encoder: "h264_vaapi", HWAccel: "vaapi", Device: device}
}

func findVAAPIDevice() string {
	for _, dev := range vaapiDevices {
		if _, err := os.Stat(dev); err == nil {
			return dev
		}
	}
	return ""
}

// testVAAPIEncoder runs a one-frame encode to verify the encoder works.
func testVAAPIEncoder(ctx context.Context, ffmpegBinary, device, encoder string) bool {
	cmd := exec.CommandContext(ctx, binaryOr(ffmpegBinary, "ffmpeg"),
		"-hide_banner", "-loglevel", "error",
		"-init_hw_device", fmt.Sprintf("vaapi=hw:%s", device),
		"-f", "lavfi", "-i", "nullsrc=s=256x256:d=0.1:r=1",
		"-vf", "format=nv12,hwupload",
		"-c:v", encoder,
		"-frames:v", "1",
		"-f", "null", "-",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn().Str("component", "hwaccel").Str("encoder", encoder).Err(err).
			Str("output", strings.TrimSpace(string(output))).Msg("encoder test failed")
		return false
	}
	return true
}
