// Package queue accepts audio for asynchronous transcription and reports job
// status. Workers in the transcribe package drain it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/storage"
)

// ErrInvalidInput covers empty payloads, unsupported formats and bad language hints.
var ErrInvalidInput = errors.New("invalid input")

// SupportedExtensions are the audio containers accepted for transcription.
var SupportedExtensions = []string{".mp3", ".mp4", ".mpeg", ".mpga", ".m4a", ".wav", ".webm"}

// Extension returns the lowercased extension of name if it is supported.
func Extension(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return ext, true
		}
	}
	return ext, false
}

// NormalizeLanguage reduces a hint like "pt-BR" or "PT" to its ISO 639-1 base.
// An empty hint stays empty.
func NormalizeLanguage(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", nil
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return "", fmt.Errorf("%w: language %q", ErrInvalidInput, hint)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("%w: language %q", ErrInvalidInput, hint)
	}
	return base.String(), nil
}

// JobStore is the slice of the job store used by the queue.
type JobStore interface {
	InsertJob(ctx context.Context, in database.NewJob) (*database.Job, error)
	GetJob(ctx context.Context, id int64) (*database.Job, error)
}

type Queue struct {
	jobs   JobStore
	audio  storage.AudioStore
	log    zerolog.Logger
	now    func() time.Time
	notify chan struct{}

	// OnSubmit, when set, is called after a job row is inserted.
	OnSubmit func(job *database.Job)
}

func New(jobs JobStore, audio storage.AudioStore, log zerolog.Logger) *Queue {
	return &Queue{
		jobs:   jobs,
		audio:  audio,
		log:    log,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
}

// Wakeup fires after each submission. It holds at most one pending signal.
func (q *Queue) Wakeup() <-chan struct{} {
	return q.notify
}

// Submit stores the audio and creates a waiting job. filenameHint only
// contributes its extension to the storage key.
func (q *Queue) Submit(ctx context.Context, audio []byte, filenameHint, lang string, apiKeyID *int64) (*database.Job, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio payload", ErrInvalidInput)
	}
	ext, ok := Extension(filenameHint)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported format %q, supported: %s",
			ErrInvalidInput, ext, strings.Join(SupportedExtensions, ", "))
	}
	lang, err := NormalizeLanguage(lang)
	if err != nil {
		return nil, err
	}

	key := storage.NewKey(q.now(), ext)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := q.audio.Save(ctx, key, audio, contentType); err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}

	job, err := q.jobs.InsertJob(ctx, database.NewJob{
		Filename:  filepath.Base(filenameHint),
		AudioPath: key,
		Language:  lang,
		APIKeyID:  apiKeyID,
	})
	if err != nil {
		if delErr := q.audio.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			q.log.Warn().Err(delErr).Str("key", key).Msg("failed to remove audio of rejected job")
		}
		return nil, err
	}

	q.log.Info().
		Int64("job_id", job.ID).
		Str("filename", job.Filename).
		Int("bytes", len(audio)).
		Str("language", lang).
		Msg("job queued")

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if q.OnSubmit != nil {
		q.OnSubmit(job)
	}
	return job, nil
}

// JobSummary is the caller-facing view of a job.
type JobSummary struct {
	ID               int64              `json:"id"`
	Status           database.JobStatus `json:"status"`
	Filename         string             `json:"filename,omitempty"`
	Language         string             `json:"language,omitempty"`
	SubmittedAt      time.Time          `json:"submitted_at"`
	ProcessedAt      *time.Time         `json:"processed_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	DetectedLanguage string             `json:"detected_language,omitempty"`
	Duration         *float64           `json:"duration,omitempty"`
	Text             *string            `json:"text,omitempty"`
}

// Summarize builds the caller view. Text is only exposed once the job is
// terminal and duration only when it is done.
func Summarize(j *database.Job) *JobSummary {
	s := &JobSummary{
		ID:          j.ID,
		Status:      j.Status,
		Filename:    j.Filename,
		Language:    j.Language,
		SubmittedAt: j.SubmittedAt,
		ProcessedAt: j.ProcessedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Status.Terminal() {
		s.Text = j.Text
	}
	if j.Status == database.StatusDone {
		s.Duration = j.Duration
		s.DetectedLanguage = j.DetectedLanguage
	}
	return s
}

// Status returns the job summary or database.ErrNotFound.
func (q *Queue) Status(ctx context.Context, id int64) (*JobSummary, error) {
	j, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return Summarize(j), nil
}
