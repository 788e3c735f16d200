package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	whisperqueue "github.com/snarg/whisper-queue"
	"github.com/snarg/whisper-queue/internal/api"
	"github.com/snarg/whisper-queue/internal/auth"
	"github.com/snarg/whisper-queue/internal/ingest"
	"github.com/snarg/whisper-queue/internal/metrics"
	"github.com/snarg/whisper-queue/internal/storage"
)

func newServeCommand(cctx *commandContext) *cobra.Command {
	var listen string
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, and the queue worker unless disabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cctx.overrides.HTTPAddr = listen
			}
			return runServe(cmd.Context(), cctx, noWorker)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not run the queue worker in this process")
	return cmd
}

func runServe(parent context.Context, cctx *commandContext, noWorker bool) error {
	startTime := time.Now()

	cfg, err := cctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := cctx.logger(cfg)
	log.Info().Str("version", version).Str("provider", cfg.Engine.Provider).Msg("whisper-queue starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	authLog := log.With().Str("component", "auth").Logger()
	keys := auth.NewProvisioner(svc.store, authLog)
	if _, err := keys.EnsureDefaultKey(ctx, auth.DefaultKeyConfig{
		Name:       cfg.DefaultKeyName,
		ExpireDays: cfg.DefaultKeyExpireDays,
		AllowedIPs: cfg.DefaultKeyIPs(),
	}); err != nil {
		return err
	}
	validator := auth.NewValidator(svc.store, authLog)
	validator.Observe = func(outcome string) {
		metrics.KeyValidationsTotal.WithLabelValues(outcome).Inc()
	}

	prometheus.MustRegister(metrics.NewCollector(svc.store, svc.engine))

	health := api.HealthSources{
		Store:  svc.store,
		Counts: svc.jobCounts,
		Engine: svc.engine,
	}
	if svc.mqtt != nil {
		health.MQTT = svc.mqtt
	}

	g, gctx := errgroup.WithContext(ctx)

	// Upload cleanup
	sweeper := storage.NewSweeper(svc.audio, svc.store, cfg.CleanupSchedule, cfg.CleanupMaxAge,
		log.With().Str("component", "cleanup").Logger())
	if err := sweeper.Start(gctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	// Watch folder
	if cfg.WatchDir != "" {
		watcher := ingest.NewFileWatcher(svc.queue, cfg.WatchDir, cfg.MaxUploadMB<<20, log)
		if err := watcher.Start(gctx); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		defer watcher.Stop()
		health.Watcher = watcher
	}

	// Queue worker, one per host
	if cfg.Worker.Enabled && !noWorker {
		lock := flock.New(cfg.Worker.LockFile)
		ok, err := lock.TryLock()
		switch {
		case err != nil:
			return fmt.Errorf("acquire worker lock: %w", err)
		case !ok:
			log.Warn().Str("lock", cfg.Worker.LockFile).Msg("another worker holds the lock, serving without in-process worker")
		default:
			defer lock.Unlock()
			worker := svc.newWorker(svc.queue.Wakeup())
			health.Worker = worker
			g.Go(func() error { return worker.Run(gctx) })
		}
	}

	srv := api.NewServer(cfg, api.Deps{
		Validator: validator,
		Queue:     svc.queue,
		Engine:    svc.engine,
		Keys:      keys,
		Health:    health,
		Version:   version,
		StartTime: startTime,

		OpenAPISpec: whisperqueue.OpenAPISpec,
	}, log.With().Str("component", "http").Logger())

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")

		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("whisper-queue stopped")
	return err
}
