package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/config"
	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/database/sqlite"
	"github.com/snarg/whisper-queue/internal/metrics"
	"github.com/snarg/whisper-queue/internal/mqttclient"
	"github.com/snarg/whisper-queue/internal/queue"
	"github.com/snarg/whisper-queue/internal/storage"
	"github.com/snarg/whisper-queue/internal/transcribe"
)

// services are the long-lived components shared by serve and worker.
type services struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  database.Store
	audio  storage.AudioStore
	queue  *queue.Queue
	engine *transcribe.Engine
	mqtt   *mqttclient.Client // nil when MQTT_BROKER_URL is unset
}

// openStore picks the backend from the URL scheme. Postgres schemas are
// migrated on connect; SQLite applies its own schema in Open.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (database.Store, error) {
	dbLog := log.With().Str("component", "database").Logger()
	if sqlite.IsURL(cfg.DatabaseURL) {
		st, err := sqlite.Open(ctx, sqlite.PathFromURL(cfg.DatabaseURL), dbLog)
		if err != nil {
			return nil, err
		}
		return st, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newEngine(cfg config.EngineConfig, log zerolog.Logger) *transcribe.Engine {
	var loader transcribe.Loader
	switch cfg.Provider {
	case "deepinfra":
		loader = transcribe.NewDeepInfraLoader(cfg.DeepInfraAPIKey)
	case "whispercpp":
		loader = transcribe.NewWhisperCppLoader(cfg.WhisperCppBin, cfg.WhisperCppModel)
	default:
		loader = transcribe.NewWhisperLoader(cfg.WhisperURL)
	}

	opts := transcribe.EngineOptions{
		ModelName:    cfg.WhisperModel,
		LoadAttempts: cfg.LoadAttempts,
		LoadBackoff:  cfg.LoadBackoff,
		Timeout:      cfg.Timeout,
		Log:          log.With().Str("component", "engine").Str("provider", loader.Name()).Logger(),
	}
	if cfg.DecodeAudio {
		opts.Decoder = transcribe.NewDecoder(cfg.FFmpegPath)
	}
	return transcribe.NewEngine(loader, opts)
}

func openServices(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*services, error) {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	audio, err := storage.New(ctx, cfg.S3, cfg.UploadDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open audio storage: %w", err)
	}

	s := &services{
		cfg:    cfg,
		log:    log,
		store:  store,
		audio:  audio,
		queue:  queue.New(store, audio, log.With().Str("component", "queue").Logger()),
		engine: newEngine(cfg.Engine, log),
	}

	if cfg.MQTTBrokerURL != "" {
		s.mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect to mqtt broker: %w", err)
		}
		s.mqtt.OnPublish = func(eventType string) {
			metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()
		}
	}

	s.queue.OnSubmit = func(job *database.Job) {
		s.publish("job.queued", map[string]any{
			"job_id":   job.ID,
			"filename": job.Filename,
			"language": job.Language,
		})
	}
	return s, nil
}

func (s *services) publish(eventType string, payload map[string]any) {
	if s.mqtt != nil {
		s.mqtt.Publish(eventType, payload)
	}
}

// newWorker wires the worker to metrics and job events. wakeup may be nil
// when submissions arrive through another process.
func (s *services) newWorker(wakeup <-chan struct{}) *transcribe.Worker {
	wc := s.cfg.Worker
	return transcribe.NewWorker(transcribe.WorkerOptions{
		Jobs:            s.store,
		Audio:           s.audio,
		Engine:          s.engine,
		Wakeup:          wakeup,
		PollInterval:    wc.PollInterval,
		FailureCooldown: wc.FailureCooldown,
		JobPause:        wc.JobPause,
		ErrorCooldown:   wc.ErrorCooldown,
		PublishEvent:    s.publish,
		OnJobDone: func(status database.JobStatus, elapsed time.Duration) {
			metrics.ObserveJob(string(status), elapsed)
		},
		OnLoopError: func() {
			metrics.WorkerLoopErrorsTotal.Inc()
		},
		Log: s.log.With().Str("component", "worker").Logger(),
	})
}

// jobCounts adapts the store counts for the health endpoint.
func (s *services) jobCounts(ctx context.Context) (map[string]int64, error) {
	counts, err := s.store.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}

func (s *services) Close() {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("database close error")
	}
}
