package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/database/sqlite"
	"github.com/snarg/whisper-queue/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *sqlite.Store, *storage.LocalStore) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "q.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	audio := storage.NewLocalStore(t.TempDir())
	return New(st, audio, zerolog.Nop()), st, audio
}

func TestExtension(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		ok   bool
	}{
		{"test.wav", ".wav", true},
		{"CALL.MP3", ".mp3", true},
		{"a.b.webm", ".webm", true},
		{"voice.ogg", ".ogg", false},
		{"noext", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, ok := Extension(tt.name)
			if ext != tt.ext || ok != tt.ok {
				t.Errorf("Extension(%q) = %q, %v; want %q, %v", tt.name, ext, ok, tt.ext, tt.ok)
			}
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"pt", "pt", false},
		{"PT", "pt", false},
		{"pt-BR", "pt", false},
		{" en-US ", "en", false},
		{"portuguese", "", true},
		{"12", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeLanguage(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeLanguage(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error %v is not ErrInvalidInput", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeLanguage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	q, st, audio := newTestQueue(t)

	var submitted []int64
	q.OnSubmit = func(j *database.Job) { submitted = append(submitted, j.ID) }

	job, err := q.Submit(ctx, make([]byte, 150), "test.wav", "es", nil)
	require.NoError(t, err)
	assert.NotZero(t, job.ID)
	assert.Equal(t, database.StatusWaiting, job.Status)
	assert.Equal(t, "test.wav", job.Filename)
	assert.Equal(t, "es", job.Language)
	assert.True(t, strings.HasSuffix(job.AudioPath, ".wav"))
	assert.NotContains(t, job.AudioPath, "test", "caller name must not reach the storage key")
	assert.NotEmpty(t, audio.LocalPath(job.AudioPath))
	assert.Equal(t, []int64{job.ID}, submitted)

	select {
	case <-q.Wakeup():
	default:
		t.Fatal("submit must signal the worker")
	}

	second, err := q.Submit(ctx, []byte("abc"), "../../etc/x.mp3", "", nil)
	require.NoError(t, err)
	assert.Greater(t, second.ID, job.ID)
	assert.Equal(t, "x.mp3", second.Filename)

	counts, err := st.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[database.StatusWaiting])
}

func TestSubmitWakeupDoesNotBlock(t *testing.T) {
	q, _, _ := newTestQueue(t)
	for i := 0; i < 3; i++ {
		_, err := q.Submit(context.Background(), []byte("x"), "a.wav", "", nil)
		require.NoError(t, err)
	}
	<-q.Wakeup()
	select {
	case <-q.Wakeup():
		t.Fatal("only one pending wakeup expected")
	default:
	}
}

func TestSubmitRejects(t *testing.T) {
	ctx := context.Background()
	q, st, _ := newTestQueue(t)

	tests := []struct {
		name     string
		data     []byte
		filename string
		lang     string
	}{
		{"empty_payload", nil, "a.wav", ""},
		{"unsupported_ext", []byte("x"), "a.flac", ""},
		{"no_ext", []byte("x"), "audio", ""},
		{"bad_language", []byte("x"), "a.wav", "klingon-language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Submit(ctx, tt.data, tt.filename, tt.lang, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	counts, err := st.CountJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

type failingInsert struct{ JobStore }

func (failingInsert) InsertJob(context.Context, database.NewJob) (*database.Job, error) {
	return nil, database.Unavailable("insert job", errors.New("disk full"))
}

func TestSubmitRemovesAudioWhenInsertFails(t *testing.T) {
	dir := t.TempDir()
	audio := storage.NewLocalStore(dir)
	q := New(failingInsert{}, audio, zerolog.Nop())

	_, err := q.Submit(context.Background(), []byte("x"), "a.wav", "", nil)
	assert.ErrorIs(t, err, database.ErrStoreUnavailable)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "stored audio must be removed")
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	q, st, _ := newTestQueue(t)

	job, err := q.Submit(ctx, []byte("RIFF"), "a.wav", "", nil)
	require.NoError(t, err)

	sum, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusWaiting, sum.Status)
	assert.Nil(t, sum.Text)

	claimed, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	_, err = st.CompleteJob(ctx, claimed.ID, database.JobResult{Text: "olá", DetectedLanguage: "pt", Duration: 3})
	require.NoError(t, err)

	sum, err = q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDone, sum.Status)
	require.NotNil(t, sum.Text)
	assert.Equal(t, "olá", *sum.Text)
	assert.Equal(t, "pt", sum.DetectedLanguage)
	require.NotNil(t, sum.Duration)
	assert.Equal(t, 3.0, *sum.Duration)

	_, err = q.Status(ctx, 999999)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSummarizeHidesTextUntilTerminal(t *testing.T) {
	text := "partial"
	dur := 1.0
	for _, status := range []database.JobStatus{database.StatusWaiting, database.StatusProcessing} {
		s := Summarize(&database.Job{ID: 1, Status: status, Text: &text, Duration: &dur})
		assert.Nil(t, s.Text, status)
		assert.Nil(t, s.Duration, status)
	}
	s := Summarize(&database.Job{ID: 1, Status: database.StatusError, Text: &text, Duration: &dur})
	require.NotNil(t, s.Text)
	assert.Nil(t, s.Duration)
}
