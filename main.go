package main

import (
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/cli"
	"github.com/video-stream/captioner/internal/logging"
)

func main() {
	logging.Setup("info", "console")

	// environment from .env files; real environment variables win
	envFiles := []string{".env", "captioner.env"}
	if home, err := os.UserHomeDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(home, ".config/captioner.env"))
	}
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			log.Error().Err(err).Str("file", envFile).Msg("failed to load environment file")
			continue
		}
		log.Debug().Str("file", envFile).Msg("loaded environment file")
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("captioner"),
		kong.Description("Speaker-labelled subtitle generation and burn-in for uploaded videos."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&c.Context); err != nil {
		log.Fatal().Err(err).Msg("captioner failed")
	}
}
