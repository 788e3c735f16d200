package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/auth"
	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/metrics"
	"github.com/snarg/whisper-queue/internal/queue"
	"github.com/snarg/whisper-queue/internal/transcribe"
)

// JobQueue accepts and reports asynchronous jobs.
type JobQueue interface {
	Submit(ctx context.Context, audio []byte, filenameHint, lang string, apiKeyID *int64) (*database.Job, error)
	Status(ctx context.Context, id int64) (*queue.JobSummary, error)
}

// SyncTranscriber runs a transcription inline with the request.
type SyncTranscriber interface {
	TranscribeBytes(ctx context.Context, data []byte, filename, lang string) (*transcribe.Result, error)
}

// TranscribeHandler serves the sync, async and status endpoints.
type TranscribeHandler struct {
	queue  JobQueue
	engine SyncTranscriber // nil when this process runs no engine
	log    zerolog.Logger
}

func NewTranscribeHandler(q JobQueue, engine SyncTranscriber, log zerolog.Logger) *TranscribeHandler {
	return &TranscribeHandler{
		queue:  q,
		engine: engine,
		log:    log.With().Str("handler", "transcribe").Logger(),
	}
}

// Routes registers the transcription endpoints.
func (h *TranscribeHandler) Routes(r chi.Router) {
	r.Post("/transcribe", h.Sync)
	r.Post("/transcribe/async", h.Async)
	r.Get("/transcribe/status/{id}", h.Status)
}

// audioUpload is a decoded request body.
type audioUpload struct {
	data     []byte
	filename string
	language string
}

type jsonUpload struct {
	AudioBase64 string `json:"audio_base64"`
	Filename    string `json:"filename"`
	Language    string `json:"language"`
	Idioma      string `json:"idioma"`
}

// readUpload accepts multipart ("file" plus optional "language"/"idioma")
// or a JSON body with base64 audio.
func readUpload(r *http.Request) (*audioUpload, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("%w: missing file field", queue.ErrInvalidInput)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, err
		}
		lang := r.FormValue("language")
		if lang == "" {
			lang = r.FormValue("idioma")
		}
		return &audioUpload{data: data, filename: header.Filename, language: lang}, nil

	case "application/json":
		var body jsonUpload
		if err := DecodeJSON(r, &body); err != nil {
			return nil, err
		}
		if body.AudioBase64 == "" {
			return nil, fmt.Errorf("%w: audio_base64 is required", queue.ErrInvalidInput)
		}
		data, err := base64.StdEncoding.DecodeString(body.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: audio_base64 is not valid base64", queue.ErrInvalidInput)
		}
		lang := body.Language
		if lang == "" {
			lang = body.Idioma
		}
		return &audioUpload{data: data, filename: body.Filename, language: lang}, nil

	default:
		return nil, fmt.Errorf("%w: expected multipart/form-data or application/json body", queue.ErrInvalidInput)
	}
}

// writeUploadError handles body read failures, then falls through to the
// service error mapping.
func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
			fmt.Sprintf("upload exceeds %d MB", tooLarge.Limit>>20))
	case errors.Is(err, queue.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid request body: "+err.Error())
	}
}

// Sync handles POST /api/v1/transcribe. The request blocks until inference
// finishes.
func (h *TranscribeHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeEngineUnavailable, "synchronous transcription is not available on this server")
		return
	}
	up, err := readUpload(r)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	if len(up.data) == 0 {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "empty audio payload")
		return
	}
	if _, ok := queue.Extension(up.filename); !ok {
		WriteError(w, http.StatusBadRequest, CodeUnsupportedFormat,
			"unsupported audio format, expected one of "+strings.Join(queue.SupportedExtensions, " "))
		return
	}
	lang, err := queue.NormalizeLanguage(up.language)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.engine.TranscribeBytes(r.Context(), up.data, filepath.Base(up.filename), lang)
	if err != nil {
		metrics.SyncTranscriptionsTotal.WithLabelValues("error").Inc()
		writeServiceError(w, r, err)
		return
	}
	metrics.SyncTranscriptionsTotal.WithLabelValues("ok").Inc()
	h.log.Info().
		Int("bytes", len(up.data)).
		Str("language", res.Language).
		Float64("audio_seconds", res.Duration).
		Msg("sync transcription complete")
	WriteJSON(w, http.StatusOK, res)
}

// Async handles POST /api/v1/transcribe/async.
func (h *TranscribeHandler) Async(w http.ResponseWriter, r *http.Request) {
	up, err := readUpload(r)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	if _, ok := queue.Extension(up.filename); !ok && len(up.data) > 0 {
		WriteError(w, http.StatusBadRequest, CodeUnsupportedFormat,
			"unsupported audio format, expected one of "+strings.Join(queue.SupportedExtensions, " "))
		return
	}

	job, err := h.queue.Submit(r.Context(), up.data, up.filename, up.language, auth.KeyIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	metrics.JobsSubmittedTotal.WithLabelValues("api").Inc()
	WriteJSON(w, http.StatusAccepted, queue.Summarize(job))
}

// Status handles GET /api/v1/transcribe/status/{id}.
func (h *TranscribeHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil || id < 1 {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "invalid job id")
		return
	}
	sum, err := h.queue.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("job %d not found", id))
			return
		}
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}
