package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/whisper-queue/internal/auth"
	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/queue"
	"github.com/snarg/whisper-queue/internal/transcribe"
)

// Error codes carried in the "code" field of error bodies.
const (
	CodeBadRequest          = "bad_request"
	CodeInvalidBody         = "invalid_body"
	CodeUnsupportedFormat   = "unsupported_format"
	CodeTooLarge            = "payload_too_large"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeEngineUnavailable   = "engine_unavailable"
	CodeStoreUnavailable    = "store_unavailable"
	CodeTranscriptionFailed = "transcription_failed"
	CodeInternal            = "internal_error"
)

// errRejectedMessage is the single body for every key rejection.
const errRejectedMessage = "invalid or missing API key"

// writeServiceError maps a service-layer error to its HTTP status. Internal
// detail is logged; only safe messages reach the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := hlog.FromRequest(r)
	switch {
	case errors.Is(err, auth.ErrRejected):
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, errRejectedMessage)
	case errors.Is(err, queue.ErrInvalidInput), errors.Is(err, auth.ErrInvalidKeyRequest):
		WriteError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, database.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, "not found")
	case errors.Is(err, transcribe.ErrEngineUnavailable):
		log.Error().Err(err).Msg("engine unavailable")
		WriteError(w, http.StatusServiceUnavailable, CodeEngineUnavailable, "transcription engine unavailable")
	case errors.Is(err, database.ErrStoreUnavailable):
		log.Error().Err(err).Msg("store unavailable")
		WriteError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "storage unavailable")
	case errors.Is(err, transcribe.ErrTranscriptionFailed):
		log.Warn().Err(err).Msg("transcription failed")
		WriteError(w, http.StatusUnprocessableEntity, CodeTranscriptionFailed, err.Error())
	default:
		log.Error().Err(err).Msg("unhandled error")
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
