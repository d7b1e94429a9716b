package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// waitForFile blocks until path exists with a non-zero size, using fsnotify
// on the parent directory instead of sleep polling.
func waitForFile(ctx context.Context, logger zerolog.Logger, path string, timeout time.Duration) error {
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch directory %s: %w", filepath.Dir(path), err)
	}

	// Re-check after the watch is in place, the file may have appeared in
	// between.
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	targetName := filepath.Base(path)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timeout waiting for %s", targetName)
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Create can fire before any bytes are flushed.
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			logger.Warn().Err(werr).Msg("fsnotify watcher error")
		}
	}
}
