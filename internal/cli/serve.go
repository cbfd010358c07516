package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/video-stream/captioner/internal/api"
	"github.com/video-stream/captioner/internal/auth"
	"github.com/video-stream/captioner/internal/db"
	"github.com/video-stream/captioner/internal/ffmpeg"
	"github.com/video-stream/captioner/internal/job"
	"github.com/video-stream/captioner/internal/metrics"
	"github.com/video-stream/captioner/internal/pipeline"
	"github.com/video-stream/captioner/internal/storage"
)

const shutdownTimeout = 30 * time.Second

type ServeCMD struct{}

func (s *ServeCMD) Run(cliCtx *Context) error {
	cfg, err := cliCtx.load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.Paths.DataPath, "captioner.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another captioner instance is using %s", cfg.Paths.DataPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("failed to release data lock")
		}
	}()

	database, err := db.NewSQLite(cfg.Paths.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	store, err := storage.NewStore(cfg.Paths.UploadsDir, cfg.Paths.OutputDir)
	if err != nil {
		return err
	}

	m := metrics.New()
	svc := newService(cfg, m)

	queue := job.NewJobQueue(database.DB(), pipeline.PublicMessage)
	defer queue.Stop()

	janitor := storage.NewJanitor(store, database, cfg.Cleanup.TTL, m)
	if err := janitor.Start(cfg.Cleanup.Schedule); err != nil {
		return err
	}
	defer janitor.Stop()

	var jwtService *auth.JWTService
	if cfg.AuthEnabled() {
		jwtService = auth.NewJWTService(cfg.Server.JWTSecret)
	} else {
		log.Warn().Msg("JWT_SECRET not set, API routes are unauthenticated")
	}

	router := api.NewRouter(api.Deps{
		Pipeline: svc,
		Store:    store,
		Registry: database,
		Probe: func(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
			return ffmpeg.Probe(ctx, cfg.Video.FFprobeBinary, path)
		},
		Queue:       queue,
		JWT:         jwtService,
		Metrics:     m,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.Server.RateLimit,
		MaxUpload:   cfg.Server.MaxUploadMB << 20,
	})
	// the router registers the job handlers
	queue.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Preload {
		go svc.Preload(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("transcription", cfg.Transcription.Engine).
			Str("diarization", cfg.Diarization.Engine).
			Str("data", cfg.Paths.DataPath).
			Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
