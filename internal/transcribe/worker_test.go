package transcribe

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/database/sqlite"
	"github.com/snarg/whisper-queue/internal/storage"
)

type workerFixture struct {
	store  *sqlite.Store
	audio  *storage.LocalStore
	loader *fakeLoader
	worker *Worker

	mu     sync.Mutex
	events []string
}

func newWorkerFixture(t *testing.T, model *fakeModel) *workerFixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "w.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &workerFixture{
		store:  st,
		audio:  storage.NewLocalStore(t.TempDir()),
		loader: &fakeLoader{model: model},
	}
	engine := NewEngine(f.loader, EngineOptions{ModelName: "tiny", Log: zerolog.Nop()})
	f.worker = NewWorker(WorkerOptions{
		Jobs:            st,
		Audio:           f.audio,
		Engine:          engine,
		PollInterval:    5 * time.Millisecond,
		FailureCooldown: time.Millisecond,
		JobPause:        time.Millisecond,
		ErrorCooldown:   time.Millisecond,
		PublishEvent: func(eventType string, _ map[string]any) {
			f.mu.Lock()
			f.events = append(f.events, eventType)
			f.mu.Unlock()
		},
		Log: zerolog.Nop(),
	})
	return f
}

func (f *workerFixture) submit(t *testing.T, name, lang string, store bool) *database.Job {
	t.Helper()
	key := storage.NewKey(time.Now(), filepath.Ext(name))
	if store {
		require.NoError(t, f.audio.Save(context.Background(), key, []byte("RIFF...."), "audio/wav"))
	}
	j, err := f.store.InsertJob(context.Background(), database.NewJob{Filename: name, AudioPath: key, Language: lang})
	require.NoError(t, err)
	return j
}

func (f *workerFixture) run(t *testing.T, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !until() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("worker did not reach the expected state")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func (f *workerFixture) terminal(ids ...int64) func() bool {
	return func() bool {
		for _, id := range ids {
			j, err := f.store.GetJob(context.Background(), id)
			if err != nil || !j.Status.Terminal() {
				return false
			}
		}
		return true
	}
}

func TestWorkerCompletesJobs(t *testing.T) {
	model := &fakeModel{fn: func(_ context.Context, _ string, o Options) (*Result, error) {
		return &Result{Text: "transcribed " + o.Language, Language: o.Language, Duration: 2.5}, nil
	}}
	f := newWorkerFixture(t, model)
	a := f.submit(t, "a.wav", "es", true)
	b := f.submit(t, "b.mp3", "pt", true)

	f.run(t, f.terminal(a.ID, b.ID))

	for _, tc := range []struct {
		id   int64
		lang string
	}{{a.ID, "es"}, {b.ID, "pt"}} {
		j, err := f.store.GetJob(context.Background(), tc.id)
		require.NoError(t, err)
		assert.Equal(t, database.StatusDone, j.Status)
		require.NotNil(t, j.Text)
		assert.Equal(t, "transcribed "+tc.lang, *j.Text)
		assert.Equal(t, tc.lang, j.DetectedLanguage)
		require.NotNil(t, j.Duration)
		assert.Equal(t, 2.5, *j.Duration)
		assert.NotNil(t, j.CompletedAt)
	}

	stats := f.worker.Stats()
	assert.Equal(t, int64(2), stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.False(t, stats.Running)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.events, "job.processing")
	assert.Contains(t, f.events, "job.done")
}

func TestWorkerFailsJobAndContinues(t *testing.T) {
	model := &fakeModel{fn: func(_ context.Context, path string, _ Options) (*Result, error) {
		if strings.HasSuffix(path, ".webm") {
			return nil, errors.New("corrupt stream")
		}
		return &Result{Text: "fine"}, nil
	}}
	f := newWorkerFixture(t, model)
	missing := f.submit(t, "gone.wav", "", false)
	broken := f.submit(t, "bad.webm", "", true)
	good := f.submit(t, "ok.wav", "", true)

	f.run(t, f.terminal(missing.ID, broken.ID, good.ID))

	j, err := f.store.GetJob(context.Background(), missing.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusError, j.Status)
	require.NotNil(t, j.Text)
	assert.NotEmpty(t, *j.Text)

	j, err = f.store.GetJob(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusError, j.Status)
	require.NotNil(t, j.Text)
	assert.Contains(t, *j.Text, "corrupt stream")

	j, err = f.store.GetJob(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDone, j.Status)

	stats := f.worker.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestWorkerInitialLoadFailureIsFatal(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.loader.failures = 100
	f.worker.opts.Engine.sleep = func(context.Context, time.Duration) error { return nil }

	err := f.worker.Run(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

type flakyClaims struct {
	JobStore
	mu    sync.Mutex
	fails int
}

func (s *flakyClaims) ClaimNextJob(ctx context.Context) (*database.Job, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, database.Unavailable("claim next job", errors.New("connection reset"))
	}
	s.mu.Unlock()
	return s.JobStore.ClaimNextJob(ctx)
}

func TestWorkerRecoversFromStoreErrors(t *testing.T) {
	f := newWorkerFixture(t, nil)
	flaky := &flakyClaims{JobStore: f.store, fails: 2}
	f.worker.opts.Jobs = flaky
	var loopErrors int
	f.worker.opts.OnLoopError = func() { loopErrors++ }

	j := f.submit(t, "a.wav", "", true)
	f.run(t, f.terminal(j.ID))

	got, err := f.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDone, got.Status)
	assert.Equal(t, 2, loopErrors)
	assert.GreaterOrEqual(t, f.loader.loads.Load(), int32(3), "engine reloaded after each loop error")
}

func TestWorkerWakesOnSubmission(t *testing.T) {
	f := newWorkerFixture(t, nil)
	wake := make(chan struct{}, 1)
	f.worker.opts.Wakeup = wake
	f.worker.opts.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.worker.Stats().Running }, 5*time.Second, 2*time.Millisecond)
	j := f.submit(t, "a.wav", "", true)
	wake <- struct{}{}

	require.Eventually(t, f.terminal(j.ID), 5*time.Second, 2*time.Millisecond)
	cancel()
	<-done
}
