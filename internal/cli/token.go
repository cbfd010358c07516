package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/video-stream/captioner/internal/auth"
)

type TokenCMD struct {
	Subject string        `default:"api-client" help:"Client name recorded in the token"`
	TTL     time.Duration `name:"ttl" default:"720h" help:"Token lifetime, 0 for no expiry"`
}

func (t *TokenCMD) Run(cliCtx *Context) error {
	cfg, err := cliCtx.load()
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() {
		return errors.New("JWT_SECRET is not configured, the API does not require tokens")
	}
	token, err := auth.NewJWTService(cfg.Server.JWTSecret).GenerateToken(t.Subject, t.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, token)
	return err
}
