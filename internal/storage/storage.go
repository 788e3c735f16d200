package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/config"
)

// ErrMissing is returned when a key has no stored object.
var ErrMissing = errors.New("audio not found in storage")

// AudioStore abstracts audio file storage backends.
type AudioStore interface {
	// Save stores audio data under key (see NewKey).
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the stored audio. Unknown keys yield ErrMissing.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// Type returns "local" or "s3".
	Type() string
}

// New creates an AudioStore based on config. S3 is verified with a
// HeadBucket call so a bad bucket fails at startup.
func New(ctx context.Context, cfg config.S3Config, uploadDir string, log zerolog.Logger) (AudioStore, error) {
	if !cfg.Enabled() {
		if err := os.MkdirAll(uploadDir, 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
		return NewLocalStore(uploadDir), nil
	}

	s3store, err := NewS3Store(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}

// NewKey builds a server-side storage key: YYYY/MM/DD/<UTC timestamp>-<uuid><ext>.
// Nothing from the caller's filename is used except the already vetted ext.
func NewKey(now time.Time, ext string) string {
	now = now.UTC()
	return path.Join(
		now.Format("2006"), now.Format("01"), now.Format("02"),
		now.Format("20060102T150405.000000Z")+"-"+uuid.NewString()+strings.ToLower(ext),
	)
}

// Materialize returns a local path for key. Local backends hand back the
// stored file directly; remote objects are downloaded into a temp file that
// cleanup removes. cleanup is always safe to call.
func Materialize(ctx context.Context, store AudioStore, key string) (string, func(), error) {
	noop := func() {}
	if p := store.LocalPath(key); p != "" {
		return p, noop, nil
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		return "", noop, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "wq-audio-*"+path.Ext(key))
	if err != nil {
		return "", noop, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("close temp: %w", err)
	}
	return tmpPath, cleanup, nil
}
