package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/video-stream/captioner/internal/diarize"
	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/subtitle"
	"github.com/video-stream/captioner/internal/subtitle/whisper"
)

type Server struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	JWTSecret   string   `toml:"jwt_secret"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per IP on generation routes, 0 disables
	MaxUploadMB int64    `toml:"max_upload_mb"`
}

type Paths struct {
	DataPath   string `toml:"data_path"`
	DBPath     string `toml:"db_path"`
	UploadsDir string `toml:"uploads_dir"`
	OutputDir  string `toml:"output_dir"`
}

type Transcription struct {
	Engine        string `toml:"engine"`
	URL           string `toml:"url"`
	Language      string `toml:"language"`
	OpenAIKey     string `toml:"openai_api_key"`
	OpenAIBaseURL string `toml:"openai_base_url"`
	OpenAIModel   string `toml:"openai_model"`
}

type Diarization struct {
	Engine     string `toml:"engine"`
	Model      string `toml:"model"`
	HFToken    string `toml:"hf_token"`
	SampleRate int    `toml:"sample_rate"`
	UVXBinary  string `toml:"uvx_binary"`
	CUDA       bool   `toml:"cuda"`
}

type Video struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	Encoder       string `toml:"encoder"`
	CRF           int    `toml:"crf"`
	Preset        string `toml:"preset"`
	HWAccel       bool   `toml:"hwaccel"`
}

type Cleanup struct {
	UploadTTL string `toml:"upload_ttl"`
	Schedule  string `toml:"schedule"`

	TTL time.Duration `toml:"-"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server        Server                `toml:"server"`
	Paths         Paths                 `toml:"paths"`
	Transcription Transcription         `toml:"transcription"`
	Diarization   Diarization           `toml:"diarization"`
	Video         Video                 `toml:"video"`
	Cleanup       Cleanup               `toml:"cleanup"`
	Logging       Logging               `toml:"logging"`
	Style         subtitle.DefaultStyle `toml:"style"`
	Preload       bool                  `toml:"preload"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Host:        "127.0.0.1",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			RateLimit:   10,
			MaxUploadMB: 2048,
		},
		Paths: Paths{DataPath: "./data"},
		Transcription: Transcription{
			Engine:      whisper.EngineWhisperCpp,
			URL:         "http://127.0.0.1:8178",
			OpenAIModel: "whisper-1",
		},
		Diarization: Diarization{
			Engine:     diarize.EnginePyannote,
			Model:      diarize.DefaultModel,
			SampleRate: 16000,
			UVXBinary:  "uvx",
		},
		Video: Video{
			FFmpegBinary:  "ffmpeg",
			FFprobeBinary: "ffprobe",
			Encoder:       ffmpeg.SoftwareEncoder.Encoder,
			CRF:           23,
			Preset:        "fast",
		},
		Cleanup: Cleanup{UploadTTL: "24h", Schedule: "*/30 * * * *"},
		Logging: Logging{Level: "info", Format: "console"},
		Style:   subtitle.NewDefaultStyle(),
	}
}

// Load builds the configuration from defaults, the optional TOML file at path
// (or CONFIG_FILE) and environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(dst *int, key string) {
		if v, err := getEnvInt(key, *dst); err != nil {
			errs = append(errs, err)
		} else {
			*dst = v
		}
	}
	boolVar := func(dst *bool, key string) {
		if v, err := getEnvBool(key, *dst); err != nil {
			errs = append(errs, err)
		} else {
			*dst = v
		}
	}

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	intVar(&c.Server.Port, "SERVER_PORT")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
	intVar(&c.Server.RateLimit, "RATE_LIMIT")
	maxUpload := int(c.Server.MaxUploadMB)
	intVar(&maxUpload, "MAX_UPLOAD_MB")
	c.Server.MaxUploadMB = int64(maxUpload)

	c.Paths.DataPath = getEnv("DATA_PATH", c.Paths.DataPath)
	c.Paths.DBPath = getEnv("DB_PATH", c.Paths.DBPath)
	c.Paths.UploadsDir = getEnv("UPLOADS_DIR", c.Paths.UploadsDir)
	c.Paths.OutputDir = getEnv("OUTPUT_DIR", c.Paths.OutputDir)

	c.Transcription.Engine = getEnv("TRANSCRIPTION_ENGINE", c.Transcription.Engine)
	c.Transcription.URL = getEnv("WHISPER_URL", c.Transcription.URL)
	c.Transcription.Language = getEnv("TRANSCRIPTION_LANGUAGE", c.Transcription.Language)
	c.Transcription.OpenAIKey = getEnv("OPENAI_API_KEY", c.Transcription.OpenAIKey)
	c.Transcription.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.Transcription.OpenAIBaseURL)
	c.Transcription.OpenAIModel = getEnv("OPENAI_MODEL", c.Transcription.OpenAIModel)

	c.Diarization.Engine = getEnv("DIARIZATION_ENGINE", c.Diarization.Engine)
	c.Diarization.Model = getEnv("DIARIZATION_MODEL", c.Diarization.Model)
	c.Diarization.HFToken = getEnv("HF_TOKEN", c.Diarization.HFToken)
	intVar(&c.Diarization.SampleRate, "TARGET_SAMPLE_RATE")
	c.Diarization.UVXBinary = getEnv("UVX_BINARY", c.Diarization.UVXBinary)
	boolVar(&c.Diarization.CUDA, "DIARIZATION_CUDA")

	c.Video.FFmpegBinary = getEnv("FFMPEG_BINARY", c.Video.FFmpegBinary)
	c.Video.FFprobeBinary = getEnv("FFPROBE_BINARY", c.Video.FFprobeBinary)
	c.Video.Encoder = getEnv("VIDEO_ENCODER", c.Video.Encoder)
	intVar(&c.Video.CRF, "VIDEO_CRF")
	c.Video.Preset = getEnv("VIDEO_PRESET", c.Video.Preset)
	boolVar(&c.Video.HWAccel, "HWACCEL")

	c.Cleanup.UploadTTL = getEnv("UPLOAD_TTL", c.Cleanup.UploadTTL)
	c.Cleanup.Schedule = getEnv("JANITOR_SCHEDULE", c.Cleanup.Schedule)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	boolVar(&c.Preload, "PRELOAD")

	return errors.Join(errs...)
}

func (c *Config) normalize() error {
	c.Paths.DataPath = filepath.Clean(c.Paths.DataPath)
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join(c.Paths.DataPath, "captioner.db")
	}
	if c.Paths.UploadsDir == "" {
		c.Paths.UploadsDir = filepath.Join(c.Paths.DataPath, "uploads")
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = filepath.Join(c.Paths.DataPath, "output")
	}

	c.Transcription.Engine = strings.ToLower(strings.TrimSpace(c.Transcription.Engine))
	c.Diarization.Engine = strings.ToLower(strings.TrimSpace(c.Diarization.Engine))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	ttl, err := time.ParseDuration(c.Cleanup.UploadTTL)
	if err != nil {
		return fmt.Errorf("invalid upload_ttl %q: %w", c.Cleanup.UploadTTL, err)
	}
	c.Cleanup.TTL = ttl

	c.Style = subtitle.StyleConfig{Default: c.Style}.WithDefaults(subtitle.NewDefaultStyle()).Default
	return nil
}

// Validate rejects unknown engines and out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transcription.Engine {
	case whisper.EngineWhisperCpp:
		if c.Transcription.URL == "" {
			errs = append(errs, errors.New("transcription url is required for whisper.cpp"))
		}
	case whisper.EngineOpenAI:
		if c.Transcription.OpenAIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transcription engine %q", c.Transcription.Engine))
	}
	switch c.Diarization.Engine {
	case diarize.EnginePyannote, diarize.EngineNone:
	default:
		errs = append(errs, fmt.Errorf("unknown diarization engine %q", c.Diarization.Engine))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.Diarization.SampleRate <= 0 {
		errs = append(errs, errors.New("target sample rate must be positive"))
	}
	if c.Video.CRF < 0 || c.Video.CRF > 51 {
		errs = append(errs, fmt.Errorf("video crf %d out of range 0-51", c.Video.CRF))
	}
	if c.Cleanup.TTL <= 0 {
		errs = append(errs, errors.New("upload ttl must be positive"))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AuthEnabled reports whether API routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.Server.JWTSecret != ""
}

// EnsureDirectories creates the data, upload and output directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataPath, c.Paths.UploadsDir, c.Paths.OutputDir, filepath.Dir(c.Paths.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) WhisperConfig() whisper.Config {
	return whisper.Config{
		Engine:        c.Transcription.Engine,
		ServerURL:     c.Transcription.URL,
		Language:      c.Transcription.Language,
		OpenAIKey:     c.Transcription.OpenAIKey,
		OpenAIBaseURL: c.Transcription.OpenAIBaseURL,
		OpenAIModel:   c.Transcription.OpenAIModel,
		FFmpegBinary:  c.Video.FFmpegBinary,
		SampleRate:    c.Diarization.SampleRate,
	}
}

func (c *Config) DiarizeConfig() diarize.Config {
	return diarize.Config{
		Engine:       c.Diarization.Engine,
		Model:        c.Diarization.Model,
		HFToken:      c.Diarization.HFToken,
		SampleRate:   c.Diarization.SampleRate,
		UVXBinary:    c.Diarization.UVXBinary,
		CUDA:         c.Diarization.CUDA,
		FFmpegBinary: c.Video.FFmpegBinary,
		WorkDir:      filepath.Join(c.Paths.DataPath, "diarize"),
	}
}

func (c *Config) BurnOptions() ffmpeg.BurnOptions {
	return ffmpeg.BurnOptions{
		Binary:  c.Video.FFmpegBinary,
		Encoder: c.Video.Encoder,
		CRF:     c.Video.CRF,
		Preset:  c.Video.Preset,
		HWAccel: c.Video.HWAccel,
		TempDir: c.Paths.OutputDir,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
