package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-queue/internal/database"
	"github.com/snarg/whisper-queue/internal/metrics"
	"github.com/snarg/whisper-queue/internal/queue"
)

// Files are moved into these subdirectories once handled, so a restart
// never resubmits them.
const (
	acceptedDir = "submitted"
	rejectedDir = "rejected"
)

const debounce = 500 * time.Millisecond

// Submitter accepts audio into the job queue.
type Submitter interface {
	Submit(ctx context.Context, audio []byte, filenameHint, lang string, apiKeyID *int64) (*database.Job, error)
}

// WatcherStatus is reported on the health endpoint.
type WatcherStatus struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesSubmitted int64  `json:"files_submitted"`
	FilesRejected  int64  `json:"files_rejected"`
}

// FileWatcher monitors a drop folder and submits new audio files as jobs.
type FileWatcher struct {
	queue    Submitter
	watchDir string
	maxBytes int64
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	inflight       sync.WaitGroup
	busy           sync.Map // paths being submitted

	submitted atomic.Int64
	rejected  atomic.Int64
	status    atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher for dir. maxBytes <= 0 disables the size check.
func NewFileWatcher(q Submitter, dir string, maxBytes int64, log zerolog.Logger) *FileWatcher {
	fw := &FileWatcher{
		queue:          q,
		watchDir:       dir,
		maxBytes:       maxBytes,
		log:            log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
	fw.status.Store("starting")
	return fw
}

// Start creates the drop folder if needed, watches it, and submits files
// already present.
func (fw *FileWatcher) Start(ctx context.Context) error {
	for _, d := range []string{fw.watchDir, filepath.Join(fw.watchDir, acceptedDir), filepath.Join(fw.watchDir, rejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create watch dir: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	// Walk the directory tree and add all directories to fsnotify.
	dirCount := 0
	err = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if fw.handledDir(path) {
			return filepath.SkipDir
		}
		if addErr := w.Add(path); addErr != nil {
			fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
		} else {
			dirCount++
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("file watcher initialized")

	fw.ctx, fw.cancel = context.WithCancel(ctx)
	fw.done = make(chan struct{})
	go fw.watchLoop()
	fw.inflight.Add(1)
	go func() {
		defer fw.inflight.Done()
		fw.backfill()
	}()
	return nil
}

// Stop closes the fsnotify watcher and waits for in-flight submissions.
func (fw *FileWatcher) Stop() {
	if fw.cancel == nil {
		return
	}
	fw.cancel()
	fw.watcher.Close()
	<-fw.done

	fw.debounceMu.Lock()
	for p, t := range fw.debounceTimers {
		if t.Stop() {
			fw.inflight.Done()
		}
		delete(fw.debounceTimers, p)
	}
	fw.debounceMu.Unlock()
	fw.inflight.Wait()

	fw.status.Store("stopped")
	fw.log.Info().
		Int64("files_submitted", fw.submitted.Load()).
		Int64("files_rejected", fw.rejected.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() WatcherStatus {
	s, _ := fw.status.Load().(string)
	return WatcherStatus{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesSubmitted: fw.submitted.Load(),
		FilesRejected:  fw.rejected.Load(),
	}
}

func (fw *FileWatcher) handledDir(path string) bool {
	rel, err := filepath.Rel(fw.watchDir, path)
	if err != nil {
		return false
	}
	return rel == acceptedDir || rel == rejectedDir
}

// candidate reports whether a file name looks like finished audio.
func candidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".part", ".tmp", ".crdownload":
		return false
	}
	return true
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New subdirectory: watch it too.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !fw.handledDir(event.Name) {
					fw.watchNewDir(event.Name)
				}
				continue
			}

			if !candidate(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// watchNewDir watches dir and every directory below it. Subdirectories and
// files created before the watch was added raise no events, so files found
// here are scheduled directly.
func (fw *FileWatcher) watchNewDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if candidate(path) {
				fw.scheduleProcess(path)
			}
			return nil
		}
		if fw.handledDir(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("failed to watch new directory")
			return nil
		}
		fw.log.Debug().Str("path", path).Msg("watching new directory")
		return nil
	})
}

// scheduleProcess debounces file processing by 500ms. This coalesces rapid
// Create+Write events and lets the writer finish before the file is read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(debounce)
		return
	}

	fw.inflight.Add(1)
	fw.debounceTimers[path] = time.AfterFunc(debounce, func() {
		defer fw.inflight.Done()
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
}

// processFile submits one file and moves it out of the drop folder.
func (fw *FileWatcher) processFile(path string) {
	if fw.ctx.Err() != nil {
		return
	}
	if _, loaded := fw.busy.LoadOrStore(path, true); loaded {
		return
	}
	defer fw.busy.Delete(path)
	log := fw.log.With().Str("path", path).Logger()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if fw.maxBytes > 0 && info.Size() > fw.maxBytes {
		fw.reject(path, fmt.Errorf("file is %d bytes, limit %d", info.Size(), fw.maxBytes))
		return
	}
	if _, ok := queue.Extension(path); !ok {
		fw.reject(path, fmt.Errorf("%w: unsupported extension", queue.ErrInvalidInput))
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read audio file")
		return
	}

	job, err := fw.queue.Submit(fw.ctx, data, filepath.Base(path), "", nil)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidInput) {
			fw.reject(path, err)
			return
		}
		// Store trouble: leave the file for the next start.
		log.Error().Err(err).Msg("failed to submit watched file")
		return
	}

	fw.submitted.Add(1)
	metrics.JobsSubmittedTotal.WithLabelValues("watch").Inc()
	log.Info().Int64("job_id", job.ID).Msg("watched file submitted")
	fw.move(path, acceptedDir)
}

func (fw *FileWatcher) reject(path string, reason error) {
	fw.rejected.Add(1)
	fw.log.Warn().Err(reason).Str("path", path).Msg("watched file rejected")
	fw.move(path, rejectedDir)
}

func (fw *FileWatcher) move(path, sub string) {
	dst := filepath.Join(fw.watchDir, sub, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(dst, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, dst); err != nil {
		fw.log.Warn().Err(err).Str("path", path).Str("dest", dst).Msg("failed to move watched file")
	}
}

// backfill submits files that were dropped while the service was down,
// oldest first.
func (fw *FileWatcher) backfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	_ = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if fw.handledDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !candidate(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}

	fw.status.Store("watching")
	if len(files) > 0 {
		fw.log.Info().
			Int("files", len(files)).
			Dur("elapsed", time.Since(start)).
			Msg("backfill complete")
	}
}
