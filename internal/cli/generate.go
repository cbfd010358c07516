package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

type GenerateCMD struct {
	File   string `arg:"" type:"existingfile" help:"Video or audio file to caption"`
	Output string `short:"o" type:"path" help:"Write the JSON result here instead of stdout"`
}

func (g *GenerateCMD) Run(cliCtx *Context) error {
	cfg, err := cliCtx.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newService(cfg, nil)
	result, err := svc.Generate(ctx, g.File, func(p float64) {
		log.Info().Str("file", g.File).Float64("progress", p).Msg("generating")
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if g.Output == "" {
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	}
	return os.WriteFile(g.Output, append(data, '\n'), 0o644)
}
