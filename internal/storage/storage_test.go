package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2026, 3, 7, 14, 5, 9, 123456000, time.FixedZone("x", 3600))
	key := NewKey(now, ".WAV")

	re := regexp.MustCompile(`^2026/03/07/20260307T130509\.123456Z-[0-9a-f-]{36}\.wav$`)
	if !re.MatchString(key) {
		t.Errorf("NewKey = %q, does not match %s", key, re)
	}
	if NewKey(now, ".wav") == key {
		t.Error("keys must be unique")
	}
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewLocalStore(dir)

	t.Run("save_open_delete", func(t *testing.T) {
		key := "2026/01/02/a.wav"
		require.NoError(t, s.Save(ctx, key, []byte("RIFF"), "audio/wav"))

		p := s.LocalPath(key)
		assert.Equal(t, filepath.Join(dir, "2026", "01", "02", "a.wav"), p)

		rc, err := s.Open(ctx, key)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "RIFF", string(data))

		require.NoError(t, s.Delete(ctx, key))
		assert.Empty(t, s.LocalPath(key))
		_, err = os.Stat(filepath.Join(dir, "2026"))
		assert.True(t, os.IsNotExist(err), "empty date dirs are pruned")

		assert.NoError(t, s.Delete(ctx, key), "second delete is a no-op")
	})

	t.Run("missing_key", func(t *testing.T) {
		_, err := s.Open(ctx, "nope.wav")
		assert.ErrorIs(t, err, ErrMissing)
		assert.Empty(t, s.LocalPath("nope.wav"))
	})

	t.Run("rejects_escaping_keys", func(t *testing.T) {
		for _, key := range []string{"../outside.wav", "/etc/passwd", "a/../../b.wav"} {
			assert.Error(t, s.Save(ctx, key, []byte("x"), ""), key)
			assert.Empty(t, s.LocalPath(key), key)
		}
	})
}

// remoteStore is an in-memory store with no local paths.
type remoteStore struct {
	objects map[string][]byte
	deleted []string
	failDel bool
}

func (r *remoteStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	r.objects[key] = data
	return nil
}

func (r *remoteStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	d, ok := r.objects[key]
	if !ok {
		return nil, ErrMissing
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (r *remoteStore) Delete(ctx context.Context, key string) error {
	if r.failDel {
		return errors.New("denied")
	}
	delete(r.objects, key)
	r.deleted = append(r.deleted, key)
	return nil
}

func (r *remoteStore) LocalPath(string) string { return "" }
func (r *remoteStore) Type() string            { return "memory" }

func TestMaterialize(t *testing.T) {
	ctx := context.Background()

	t.Run("local_returns_stored_path", func(t *testing.T) {
		s := NewLocalStore(t.TempDir())
		require.NoError(t, s.Save(ctx, "k/a.mp3", []byte("ID3"), ""))
		p, cleanup, err := Materialize(ctx, s, "k/a.mp3")
		require.NoError(t, err)
		cleanup()
		_, err = os.Stat(p)
		assert.NoError(t, err, "cleanup must not remove the stored file")
	})

	t.Run("remote_downloads_to_temp", func(t *testing.T) {
		r := &remoteStore{objects: map[string][]byte{"x/b.m4a": []byte("payload")}}
		p, cleanup, err := Materialize(ctx, r, "x/b.m4a")
		require.NoError(t, err)
		assert.Equal(t, ".m4a", filepath.Ext(p))
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))

		cleanup()
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("remote_missing", func(t *testing.T) {
		r := &remoteStore{objects: map[string][]byte{}}
		_, cleanup, err := Materialize(ctx, r, "gone.wav")
		assert.ErrorIs(t, err, ErrMissing)
		cleanup()
	})
}

type fakeFinished struct {
	keys    []string
	cleared []string
	cutoff  time.Time
}

func (f *fakeFinished) TerminalAudioBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.cutoff = cutoff
	return f.keys, nil
}

func (f *fakeFinished) ClearAudioPath(ctx context.Context, p string) error {
	f.cleared = append(f.cleared, p)
	return nil
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	t.Run("removes_finished_audio", func(t *testing.T) {
		r := &remoteStore{objects: map[string][]byte{"a": nil, "b": nil, "keep": nil}}
		jobs := &fakeFinished{keys: []string{"a", "b"}}
		s := NewSweeper(r, jobs, "@every 1h", 24*time.Hour, zerolog.Nop())
		now := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }

		assert.Equal(t, 2, s.Sweep(ctx))
		assert.Equal(t, now.Add(-24*time.Hour), jobs.cutoff)
		assert.ElementsMatch(t, []string{"a", "b"}, r.deleted)
		assert.ElementsMatch(t, []string{"a", "b"}, jobs.cleared)
		assert.Contains(t, r.objects, "keep")
	})

	t.Run("failed_delete_keeps_path", func(t *testing.T) {
		r := &remoteStore{objects: map[string][]byte{"a": nil}, failDel: true}
		jobs := &fakeFinished{keys: []string{"a"}}
		s := NewSweeper(r, jobs, "@every 1h", time.Hour, zerolog.Nop())
		assert.Equal(t, 0, s.Sweep(ctx))
		assert.Empty(t, jobs.cleared)
	})

	t.Run("local_temp_files", func(t *testing.T) {
		dir := t.TempDir()
		local := NewLocalStore(dir)
		stale := filepath.Join(dir, ".audio-123.tmp")
		fresh := filepath.Join(dir, ".audio-456.tmp")
		other := filepath.Join(dir, "upload.wav")
		for _, p := range []string{stale, fresh, other} {
			require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		}
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(stale, old, old))
		require.NoError(t, os.Chtimes(other, old, old))

		s := NewSweeper(local, &fakeFinished{}, "@every 1h", 24*time.Hour, zerolog.Nop())
		assert.Equal(t, 1, s.Sweep(ctx))
		_, err := os.Stat(stale)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(fresh)
		assert.NoError(t, err)
		_, err = os.Stat(other)
		assert.NoError(t, err, "only temp files are swept by age")
	})

	t.Run("disabled_with_zero_age", func(t *testing.T) {
		jobs := &fakeFinished{keys: []string{"a"}}
		s := NewSweeper(&remoteStore{objects: map[string][]byte{}}, jobs, "@every 1h", 0, zerolog.Nop())
		assert.Equal(t, 0, s.Sweep(ctx))
		assert.True(t, jobs.cutoff.IsZero())
	})

	t.Run("bad_schedule", func(t *testing.T) {
		s := NewSweeper(&remoteStore{objects: map[string][]byte{}}, &fakeFinished{}, "every tuesday", time.Hour, zerolog.Nop())
		assert.Error(t, s.Start(ctx))
		s.Stop()
	})

	t.Run("start_stop", func(t *testing.T) {
		s := NewSweeper(&remoteStore{objects: map[string][]byte{}}, &fakeFinished{}, "@every 1h", time.Hour, zerolog.Nop())
		require.NoError(t, s.Start(ctx))
		s.Stop()
		s.Stop()
	})
}
