package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FinishedAudio lists and clears audio of jobs that reached a terminal state.
type FinishedAudio interface {
	TerminalAudioBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ClearAudioPath(ctx context.Context, audioPath string) error
}

// Sweeper removes stored audio of finished jobs older than maxAge. Job rows
// are kept; only their audio_path is blanked. On the local backend it also
// removes abandoned temp files from interrupted writes.
type Sweeper struct {
	store    AudioStore
	jobs     FinishedAudio
	maxAge   time.Duration
	schedule string
	log      zerolog.Logger
	now      func() time.Time

	cron     *cron.Cron
	mu       sync.Mutex
	stopOnce sync.Once
}

func NewSweeper(store AudioStore, jobs FinishedAudio, schedule string, maxAge time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		jobs:     jobs,
		maxAge:   maxAge,
		schedule: schedule,
		log:      log.With().Str("component", "cleanup").Logger(),
		now:      time.Now,
	}
}

// Start runs one sweep immediately and then on the cron schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", s.schedule, err)
	}
	s.cron = c

	go s.Sweep(ctx)
	c.Start()
	s.log.Info().Str("schedule", s.schedule).Dur("max_age", s.maxAge).Msg("cleanup sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// Sweep performs one cleanup pass and returns how many objects it removed.
// Overlapping calls are serialized.
func (s *Sweeper) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.maxAge)

	keys, err := s.jobs.TerminalAudioBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("list finished audio failed")
		return 0
	}

	removed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("delete audio failed")
			continue
		}
		if err := s.jobs.ClearAudioPath(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("clear audio path failed")
			continue
		}
		removed++
	}

	if local, ok := s.store.(*LocalStore); ok {
		removed += s.sweepTempFiles(local.Dir(), cutoff)
	}

	if removed > 0 {
		s.log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("cleanup complete")
	}
	return removed
}

func (s *Sweeper) sweepTempFiles(root string, cutoff time.Time) int {
	removed := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, ".audio-") || !strings.HasSuffix(name, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed
}
