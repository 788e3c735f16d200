package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/storage"
)

// JobStore is the slice of the job store the worker drives.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (*database.Job, error)
	CompleteJob(ctx context.Context, id int64, res database.JobResult) (bool, error)
	FailJob(ctx context.Context, id int64, message string) (bool, error)
}

// WorkerStats reports worker progress.
type WorkerStats struct {
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	CurrentJob int64 `json:"current_job,omitempty"`
	Running    bool  `json:"running"`
}

// EventPublishFunc is a callback for publishing job transition events.
type EventPublishFunc func(eventType string, payload map[string]any)

// WorkerOptions configures the queue worker.
type WorkerOptions struct {
	Jobs   JobStore
	Audio  storage.AudioStore
	Engine *Engine
	Wakeup <-chan struct{} // optional, fires on submission

	PollInterval    time.Duration // default 5s
	FailureCooldown time.Duration // default 3s
	JobPause        time.Duration // default 1s
	ErrorCooldown   time.Duration // default 10s

	PublishEvent EventPublishFunc
	OnJobDone    func(status database.JobStatus, elapsed time.Duration)
	OnLoopError  func()
	Log          zerolog.Logger
}

// Worker claims waiting jobs one at a time and drives them to a terminal state.
type Worker struct {
	opts WorkerOptions
	log  zerolog.Logger

	completed atomic.Int64
	failed    atomic.Int64
	current   atomic.Int64
	running   atomic.Bool
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = 3 * time.Second
	}
	if opts.JobPause <= 0 {
		opts.JobPause = time.Second
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = 10 * time.Second
	}
	return &Worker{opts: opts, log: opts.Log}
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Completed:  w.completed.Load(),
		Failed:     w.failed.Load(),
		CurrentJob: w.current.Load(),
		Running:    w.running.Load(),
	}
}

// Run loads the engine and processes jobs until ctx is cancelled. A model
// that cannot be loaded at start is fatal; later failures are retried.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.opts.Engine.EnsureLoaded(ctx); err != nil {
		return fmt.Errorf("initial model load: %w", err)
	}
	w.running.Store(true)
	defer w.running.Store(false)

	w.log.Info().
		Str("provider", w.opts.Engine.Provider()).
		Dur("poll_interval", w.opts.PollInterval).
		Msg("queue worker started")

	for ctx.Err() == nil {
		if !w.opts.Engine.Loaded() {
			if err := w.opts.Engine.EnsureLoaded(ctx); err != nil {
				w.loopFailure(ctx, err)
				continue
			}
		}

		job, err := w.opts.Jobs.ClaimNextJob(ctx)
		if err != nil {
			w.loopFailure(ctx, err)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}

		pause, err := w.process(ctx, job)
		if err != nil {
			w.loopFailure(ctx, err)
			continue
		}
		_ = sleepCtx(ctx, pause)
	}

	w.log.Info().
		Int64("completed", w.completed.Load()).
		Int64("failed", w.failed.Load()).
		Msg("queue worker stopped")
	return nil
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.opts.Wakeup:
	}
}

// loopFailure handles store or engine trouble outside a single job: the
// model is dropped so the next iteration reloads it.
func (w *Worker) loopFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	w.log.Error().Err(err).Dur("cooldown", w.opts.ErrorCooldown).Msg("worker loop error")
	if w.opts.OnLoopError != nil {
		w.opts.OnLoopError()
	}
	w.opts.Engine.Discard()
	_ = sleepCtx(ctx, w.opts.ErrorCooldown)
}

// process runs one claimed job. The returned error is a store failure; job
// failures are recorded on the row and reported through the pause.
func (w *Worker) process(ctx context.Context, job *database.Job) (time.Duration, error) {
	log := w.log.With().Int64("job_id", job.ID).Logger()
	w.current.Store(job.ID)
	defer w.current.Store(0)

	start := time.Now()
	w.publish("job.processing", map[string]any{"job_id": job.ID, "filename": job.Filename})

	res, terr := w.transcribe(ctx, job)
	if terr != nil {
		msg := terr.Error()
		storeCtx := ctx
		if ctx.Err() != nil {
			storeCtx = context.WithoutCancel(ctx)
			msg = "interrupted by shutdown: " + msg
		}
		ok, err := w.opts.Jobs.FailJob(storeCtx, job.ID, msg)
		if err != nil {
			return 0, fmt.Errorf("fail job %d: %w", job.ID, err)
		}
		if errors.Is(terr, ErrEngineUnavailable) {
			w.opts.Engine.Discard()
		}
		w.failed.Add(1)
		elapsed := time.Since(start)
		log.Warn().Err(terr).Bool("recorded", ok).Dur("took", elapsed).Msg("transcription failed")
		w.finished(database.StatusError, elapsed, map[string]any{"job_id": job.ID, "error": msg})
		return w.opts.FailureCooldown, nil
	}

	ok, err := w.opts.Jobs.CompleteJob(ctx, job.ID, database.JobResult{
		Text:             res.Text,
		DetectedLanguage: res.Language,
		Duration:         res.Duration,
	})
	if err != nil {
		return 0, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	if !ok {
		log.Warn().Msg("job was no longer processing, result dropped")
	}
	w.completed.Add(1)
	elapsed := time.Since(start)
	log.Info().
		Str("language", res.Language).
		Float64("audio_seconds", res.Duration).
		Dur("took", elapsed).
		Msg("transcription complete")
	w.finished(database.StatusDone, elapsed, map[string]any{
		"job_id":            job.ID,
		"detected_language": res.Language,
		"duration":          res.Duration,
	})
	return w.opts.JobPause, nil
}

func (w *Worker) transcribe(ctx context.Context, job *database.Job) (*Result, error) {
	if job.AudioPath == "" {
		return nil, fmt.Errorf("%w: job %d has no stored audio", ErrAudioMissing, job.ID)
	}
	path, cleanup, err := storage.Materialize(ctx, w.opts.Audio, job.AudioPath)
	defer cleanup()
	if err != nil {
		if errors.Is(err, storage.ErrMissing) {
			return nil, fmt.Errorf("%w: %w", ErrAudioMissing, err)
		}
		return nil, fmt.Errorf("%w: fetch audio: %w", ErrTranscriptionFailed, err)
	}
	return w.opts.Engine.Transcribe(ctx, path, job.Language)
}

func (w *Worker) finished(status database.JobStatus, elapsed time.Duration, payload map[string]any) {
	if w.opts.OnJobDone != nil {
		w.opts.OnJobDone(status, elapsed)
	}
	w.publish("job."+string(status), payload)
}

func (w *Worker) publish(eventType string, payload map[string]any) {
	if w.opts.PublishEvent != nil {
		w.opts.PublishEvent(eventType, payload)
	}
}
