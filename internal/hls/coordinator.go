// Package hls segments tracks into complete HLS playlists on demand and
// serves them from an on-disk cache. A track is transcoded at most once at
// a time: concurrent requests for the same track share one ffmpeg job.
package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jfbridge/jfbridge/internal/core/pathutil"
	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/metrics"
	"github.com/rs/zerolog"
)

// job is a single in-flight transcode. done is closed exactly once, after
// err is set; waiters read err only after done.
type job struct {
	done chan struct{}
	err  error
}

// Coordinator deduplicates transcode jobs per track and answers path
// queries for the cache layout.
type Coordinator struct {
	mu   sync.Mutex
	jobs map[string]*job

	worker   Worker
	cacheDir string
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator writing under cacheDir.
func NewCoordinator(worker Worker, cacheDir string, logger zerolog.Logger) (*Coordinator, error) {
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Coordinator{
		jobs:     make(map[string]*job),
		worker:   worker,
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

// CacheDir returns the root of the segment cache.
func (c *Coordinator) CacheDir() string {
	return c.cacheDir
}

// trackDir resolves the per-track directory, rejecting ids that would
// escape the cache root.
func (c *Coordinator) trackDir(trackID string) (string, error) {
	return pathutil.SecureJoin(c.cacheDir, trackID)
}

// PlaylistPath returns the finished playlist location for trackID. It does
// not check existence; EnsureReady does.
func (c *Coordinator) PlaylistPath(trackID string) (string, error) {
	dir, err := c.trackDir(trackID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PlaylistName), nil
}

// SegmentPath returns the on-disk location of a named segment, rejecting
// names that are not generated segment files.
func (c *Coordinator) SegmentPath(trackID, segment string) (string, error) {
	if !pathutil.ValidSegmentName(segment) {
		return "", fmt.Errorf("invalid segment name %q", segment)
	}
	dir, err := c.trackDir(trackID)
	if err != nil {
		return "", err
	}
	return pathutil.SecureJoin(dir, segment)
}

// InProgress reports whether a transcode job for trackID is running. The
// janitor consults this so a sweep never deletes a directory that is being
// written.
func (c *Coordinator) InProgress(trackID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[trackID]
	return ok
}

// EnsureReady blocks until trackID has a complete playlist on disk or the
// job fails. Calls for a cached track return immediately; calls during an
// in-flight job join it and share its outcome. ctx cancellation detaches
// the caller without stopping a job others may be waiting on.
func (c *Coordinator) EnsureReady(ctx context.Context, trackID string) error {
	dir, err := c.trackDir(trackID)
	if err != nil {
		return err
	}
	playlist := filepath.Join(dir, PlaylistName)

	c.mu.Lock()
	if j, ok := c.jobs[trackID]; ok {
		c.mu.Unlock()
		metrics.IncSegmentCache("joined")
		return c.wait(ctx, j)
	}
	// The existence check lives inside the lock so a finishing job cannot
	// race a fresh start for the same track.
	if _, err := os.Stat(playlist); err == nil {
		c.mu.Unlock()
		metrics.IncSegmentCache("hit")
		return nil
	}
	j := &job{done: make(chan struct{})}
	c.jobs[trackID] = j
	c.mu.Unlock()

	metrics.IncSegmentCache("started")
	go c.run(j, trackID, dir)
	return c.wait(ctx, j)
}

// run executes the transcode on a detached context: the job belongs to
// every waiter, not to the request that happened to start it. The worker
// enforces its own hard timeout.
func (c *Coordinator) run(j *job, trackID, dir string) {
	err := c.worker.Run(context.Background(), trackID, dir)
	if err != nil {
		metrics.IncTranscodeJob("failure")
		c.logger.Error().
			Err(err).
			Str(log.FieldTrackID, trackID).
			Msg("transcode job failed")
		// Remove partial output so the next request starts clean.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.logger.Warn().Err(rmErr).Str(log.FieldPath, dir).Msg("partial output cleanup failed")
		}
	} else {
		metrics.IncTranscodeJob("success")
	}

	c.mu.Lock()
	delete(c.jobs, trackID)
	c.mu.Unlock()

	j.err = err
	close(j.done)
}

func (c *Coordinator) wait(ctx context.Context, j *job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.err
	}
}
