package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/analyzer"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/awsboot"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/config"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/logging"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/media"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/s3util"
	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// routes builds the API router.
func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withLogging)
	r.Use(withCORS(a.cfg.Server.AllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/upload", a.handleUpload)
		r.Post("/detect/video", a.handleDetectVideo)
		r.Post("/detect/image", a.handleDetectImage)
		r.Post("/detect/frame", a.handleDetectFrame)
		r.Get("/status/{jobID}", a.handleStatus)
		r.Get("/stream/{jobID}", a.handleStream)
		r.Get("/jobs", a.handleListJobs)
		r.Get("/jobs/{jobID}/summary", a.handleSummary)
		r.Get("/download/{filename}", a.handleDownload)
		r.Get("/models", a.handleListModels)
		r.Post("/model/load", a.handleLoadModel)
		r.Get("/model/current", a.handleCurrentModel)
	})
	return r
}

// boot prepares directories, AWS services and the analyzer, and returns a
// ready app bound to baseCtx.
func boot(baseCtx context.Context, cfg config.Config) (*app, error) {
	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	media.RegisterZstd()

	svc, err := awsboot.Init(baseCtx, &cfg, store.NewFileStore(cfg.Storage.OutputDir))
	if err != nil {
		return nil, err
	}
	a, err := analyzer.New(baseCtx, cfg.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("create analyzer: %w", err)
	}

	var s3Client s3util.ObjectAPI
	if svc.S3 != nil {
		s3Client = svc.S3
	}
	return newApp(baseCtx, cfg, a, store.Multi(svc.Summary), svc.Notifier, s3Client), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	baseCtx, cancelRunners := context.WithCancel(context.Background())
	defer cancelRunners()

	a, err := boot(baseCtx, cfg)
	if err != nil {
		return err
	}

	if n, err := media.Sweep([]string{cfg.Storage.UploadDir, cfg.Storage.OutputDir}, cfg.Storage.MaxFileAge, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Startup cleanup incomplete")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Removed aged files")
	}
	a.registry.StartReaper(baseCtx, cfg.Pipeline.ReapInterval)

	logging.NewStartupLogger("skyguard").
		Version(version).
		Directory("uploads", cfg.Storage.UploadDir).
		Directory("outputs", cfg.Storage.OutputDir).
		Resource("s3Bucket", cfg.AWS.S3Bucket).
		Resource("dynamoTable", cfg.AWS.DynamoTable).
		Resource("eventBus", cfg.AWS.EventBus).
		Feature("aws", awsboot.Enabled(cfg)).
		Feature("frameThrottle", cfg.Pipeline.MinFrameInterval > 0).
		Config("analyzer", a.analyzer.Name()).
		Config("model", a.analyzer.Current().Model).
		Config("outputFormat", cfg.Pipeline.OutputFormat).
		Config("frameSkip", fmt.Sprint(cfg.Pipeline.FrameSkip)).
		Config("streamCapacity", fmt.Sprint(cfg.Pipeline.StreamCapacity)).
		InitDuration(time.Since(initStart)).
		Log()

	// No WriteTimeout: stream responses stay open for the whole job.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		cancelRunners()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.registry.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("Runners still active at shutdown")
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	log.Info().Int("port", cfg.Server.Port).Msg("Starting API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	<-shutdownDone
	return nil
}
