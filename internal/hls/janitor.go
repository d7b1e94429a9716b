package hls

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/metrics"
	"github.com/rs/zerolog"
)

// Janitor removes track directories that have not been touched within the
// retention window. Directories with a running transcode job are never
// removed, regardless of age.
type Janitor struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	skip      func(trackID string) bool
	logger    zerolog.Logger
}

// NewJanitor creates a janitor for dir. skip is consulted per entry before
// deletion; in practice it is Coordinator.InProgress.
func NewJanitor(dir string, retention, interval time.Duration, skip func(string) bool, logger zerolog.Logger) *Janitor {
	if skip == nil {
		skip = func(string) bool { return false }
	}
	return &Janitor{
		dir:       dir,
		retention: retention,
		interval:  interval,
		skip:      skip,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(time.Now())
		}
	}
}

// Sweep removes expired entries once and returns how many were deleted.
func (j *Janitor) Sweep(now time.Time) int {
	metrics.JanitorSweeps.Inc()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.logger.Warn().Err(err).Str(log.FieldCacheDir, j.dir).Msg("cache sweep read failed")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		trackID := entry.Name()
		if j.skip(trackID) {
			continue
		}
		age, ok := j.entryAge(trackID, now)
		if !ok || age <= j.retention {
			continue
		}
		path := filepath.Join(j.dir, trackID)
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("cache entry removal failed")
			continue
		}
		removed++
		j.logger.Debug().
			Str(log.FieldTrackID, trackID).
			Dur("age", age).
			Msg("expired cache entry removed")
	}

	if removed > 0 {
		j.logger.Info().
			Int("removed", removed).
			Str(log.FieldCacheDir, j.dir).
			Msg("cache sweep finished")
	}
	return removed
}

// entryAge returns the age of the newest file inside the track directory,
// so an entry counts as fresh until its last segment was written.
func (j *Janitor) entryAge(trackID string, now time.Time) (time.Duration, bool) {
	dir := filepath.Join(j.dir, trackID)
	newest := time.Time{}

	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	if newest.IsZero() {
		// Empty directory, fall back to its own mtime.
		info, err := os.Stat(dir)
		if err != nil {
			return 0, false
		}
		newest = info.ModTime()
	}
	return now.Sub(newest), true
}
