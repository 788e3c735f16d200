package transcribe

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable means the model could not be loaded or reached.
	ErrEngineUnavailable = errors.New("transcription engine unavailable")

	// ErrDecoderMissing means the configured audio decoder binary is not on PATH.
	ErrDecoderMissing = fmt.Errorf("%w: audio decoder not found", ErrEngineUnavailable)

	// ErrTranscriptionFailed covers every per-file failure: bad audio,
	// engine errors, timeouts and panics.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrAudioMissing means the input file does not exist.
	ErrAudioMissing = fmt.Errorf("%w: audio file missing", ErrTranscriptionFailed)
)

// Loader produces a Model handle. Load is retried by the Engine, so it should
// fail fast and leave nothing behind on error.
type Loader interface {
	Load(ctx context.Context, modelName string) (Model, error)
	Name() string // "whisper", "deepinfra", "whispercpp"
}

// Model is a loaded speech-to-text handle. The Engine never runs two
// Transcribe calls on one Model at the same time.
type Model interface {
	Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error)
	Name() string // model identifier for logs
}

// Options are per-request transcription options.
type Options struct {
	Language string // ISO 639-1 hint, "" = detect
}
