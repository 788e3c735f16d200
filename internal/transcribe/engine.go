package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// EngineState is reported by Status for health checks.
type EngineState string

const (
	StateNotLoaded EngineState = "not_loaded"
	StateLoading   EngineState = "loading"
	StateReady     EngineState = "ready"
	StateFailed    EngineState = "failed"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	ModelName    string
	LoadAttempts int           // default 3
	LoadBackoff  time.Duration // attempt n waits n*LoadBackoff before the next
	Timeout      time.Duration // per inference, 0 = none
	Decoder      *Decoder      // nil = feed input files to the model as-is
	Log          zerolog.Logger
}

// Engine owns the single model handle and serializes inference through a
// one-slot gate shared by the worker and the synchronous API path.
type Engine struct {
	loader Loader
	opts   EngineOptions
	log    zerolog.Logger
	gate   *semaphore.Weighted
	load   *semaphore.Weighted // one load at a time, acquired with the caller's ctx
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex // guards model, never held across a load
	model Model
	state atomic.Value // EngineState
}

func NewEngine(loader Loader, opts EngineOptions) *Engine {
	if opts.LoadAttempts < 1 {
		opts.LoadAttempts = 3
	}
	e := &Engine{
		loader: loader,
		opts:   opts,
		log:    opts.Log,
		gate:   semaphore.NewWeighted(1),
		load:   semaphore.NewWeighted(1),
		sleep:  sleepCtx,
	}
	e.state.Store(StateNotLoaded)
	return e
}

// Status returns the current model state.
func (e *Engine) Status() EngineState {
	return e.state.Load().(EngineState)
}

// Provider names the loader in use.
func (e *Engine) Provider() string { return e.loader.Name() }

// Loaded reports whether a model handle is held.
func (e *Engine) Loaded() bool {
	return e.current() != nil
}

// EnsureLoaded loads the model if no handle is held, retrying with linear
// backoff. On exhaustion it returns an error wrapping ErrEngineUnavailable.
// Callers queued behind another load give up when ctx ends.
func (e *Engine) EnsureLoaded(ctx context.Context) error {
	if e.current() != nil {
		return nil
	}
	if err := e.load.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for model load: %w", ErrEngineUnavailable, err)
	}
	defer e.load.Release(1)
	if e.current() != nil {
		return nil
	}
	e.state.Store(StateLoading)

	var lastErr error
	attempt := 0
	for attempt < e.opts.LoadAttempts {
		attempt++
		start := time.Now()
		m, err := e.loader.Load(ctx, e.opts.ModelName)
		if err == nil {
			e.mu.Lock()
			e.model = m
			e.mu.Unlock()
			e.state.Store(StateReady)
			e.log.Info().
				Str("provider", e.loader.Name()).
				Str("model", m.Name()).
				Int("attempt", attempt).
				Dur("took", time.Since(start)).
				Msg("model loaded")
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < e.opts.LoadAttempts {
			backoff := time.Duration(attempt) * e.opts.LoadBackoff
			e.log.Warn().Err(err).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("model load failed, retrying")
			if err := e.sleep(ctx, backoff); err != nil {
				break
			}
		}
	}

	e.state.Store(StateFailed)
	e.log.Error().Err(lastErr).Int("attempts", attempt).Msg("model load failed")
	return fmt.Errorf("%w: load %s model %q after %d attempts: %w",
		ErrEngineUnavailable, e.loader.Name(), e.opts.ModelName, attempt, lastErr)
}

// Discard drops the model handle. The next EnsureLoaded loads a fresh one.
func (e *Engine) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.log.Info().Msg("model discarded")
	}
	e.model = nil
	e.state.Store(StateNotLoaded)
}

// Reload discards and loads the model again.
func (e *Engine) Reload(ctx context.Context) error {
	e.Discard()
	return e.EnsureLoaded(ctx)
}

func (e *Engine) current() Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

type outcome struct {
	res *Result
	err error
}

// Transcribe runs one inference on the file at path. Only one inference runs
// at a time; the slot is freed when the model call returns, even if ctx or
// the per-call timeout expired first.
func (e *Engine) Transcribe(ctx context.Context, path, lang string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAudioMissing, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrAudioMissing, err)
	}

	input := path
	release := func() {}
	if e.opts.Decoder != nil {
		if _, err := e.opts.Decoder.Resolve(); err != nil {
			return nil, err
		}
		if err := e.EnsureLoaded(ctx); err != nil {
			return nil, err
		}
		decoded, cleanup, err := e.opts.Decoder.Decode(ctx, path)
		if err != nil {
			return nil, err
		}
		input, release = decoded, cleanup
	} else if err := e.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		release()
		return nil, fmt.Errorf("%w: waiting for engine: %w", ErrTranscriptionFailed, err)
	}

	model := e.current()
	if model == nil {
		// Discarded between load and gate.
		e.gate.Release(1)
		release()
		return nil, fmt.Errorf("%w: model discarded", ErrEngineUnavailable)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer e.gate.Release(1)
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: engine panic: %v", ErrTranscriptionFailed, r)}
			}
		}()
		res, err := model.Transcribe(callCtx, input, Options{Language: lang})
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, ErrEngineUnavailable) || errors.Is(o.err, ErrTranscriptionFailed) {
				return nil, o.err
			}
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: timed out after %s", ErrTranscriptionFailed, e.opts.Timeout)
			}
			return nil, fmt.Errorf("%w: %w", ErrTranscriptionFailed, o.err)
		}
		if o.res == nil {
			return nil, fmt.Errorf("%w: engine returned no result", ErrTranscriptionFailed)
		}
		res := normalizeResult(o.res, lang)
		e.log.Debug().
			Str("model", model.Name()).
			Float64("audio_seconds", res.Duration).
			Int("segments", len(res.Segments)).
			Dur("took", time.Since(start)).
			Msg("inference complete")
		return res, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTranscriptionFailed, ctx.Err())
		}
		e.log.Warn().Dur("timeout", e.opts.Timeout).Msg("inference timed out, slot held until the model returns")
		return nil, fmt.Errorf("%w: timed out after %s", ErrTranscriptionFailed, e.opts.Timeout)
	}
}

// TranscribeBytes transcribes an in-memory payload through a temp file that
// is removed on every exit path.
func (e *Engine) TranscribeBytes(ctx context.Context, data []byte, filename, lang string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	tmp, err := os.CreateTemp("", "wq-sync-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp: %w", err)
	}
	return e.Transcribe(ctx, tmpPath, lang)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
