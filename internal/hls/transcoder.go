package hls

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/rs/zerolog"
)

const (
	// PlaylistName is the terminal ready marker: it is written atomically
	// only after a transcode completed, so its presence alone proves the
	// segment set is complete.
	PlaylistName = "index.m3u8"

	// workPlaylistName is where ffmpeg appends while the job runs.
	workPlaylistName = "live.m3u8"

	segmentTemplate = "seg_%05d.ts"

	// playlistStartTimeout bounds how long ffmpeg may run without producing
	// any playlist output before the job is considered stuck.
	playlistStartTimeout = 30 * time.Second
)

// ErrUpstream marks a job that failed because the upstream stream could
// not be opened, as opposed to a local encoding failure.
var ErrUpstream = errors.New("upstream stream unavailable")

// Worker turns one track into a complete segment directory. Run blocks
// until the directory is ready or the job failed; on failure the caller
// owns cleanup. Upstream-caused failures are wrapped in ErrUpstream.
type Worker interface {
	Run(ctx context.Context, trackID, dir string) error
}

// FFmpegWorker implements Worker with an ffmpeg subprocess fed from the
// upstream stream over stdin.
type FFmpegWorker struct {
	upstream       *jellyfin.Client
	ffmpegPath     string
	ffmpegLogLevel string
	segmentSeconds int
	audioBitrate   string
	timeout        time.Duration
	logger         zerolog.Logger
}

// FFmpegWorkerConfig configures an FFmpegWorker.
type FFmpegWorkerConfig struct {
	FFmpegPath     string
	FFmpegLogLevel string
	SegmentSeconds int
	AudioBitrate   string
	Timeout        time.Duration
}

// NewFFmpegWorker creates a worker bound to the upstream session.
func NewFFmpegWorker(upstream *jellyfin.Client, cfg FFmpegWorkerConfig, logger zerolog.Logger) *FFmpegWorker {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	seconds := cfg.SegmentSeconds
	if seconds <= 0 {
		seconds = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FFmpegWorker{
		upstream:       upstream,
		ffmpegPath:     path,
		ffmpegLogLevel: cfg.FFmpegLogLevel,
		segmentSeconds: seconds,
		audioBitrate:   cfg.AudioBitrate,
		timeout:        timeout,
		logger:         logger,
	}
}

func (w *FFmpegWorker) args(dir string) []string {
	args := logLevelArgs(w.ffmpegLogLevel)
	args = append(args,
		"-stats",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a:0",
		"-c:a", "aac",
	)
	if w.audioBitrate != "" {
		args = append(args, "-b:a", w.audioBitrate)
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(w.segmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, segmentTemplate),
		filepath.Join(dir, workPlaylistName),
	)
	return args
}

// Run transcodes trackID into dir and finalizes the playlist. The hard
// timeout bounds the whole job; on any failure dir is left for the caller
// to remove.
func (w *FFmpegWorker) Run(ctx context.Context, trackID, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	logger := w.logger.With().Str(log.FieldTrackID, trackID).Logger()
	start := time.Now()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	sessionID := fmt.Sprintf("hls-%s", uuid.NewString()[:8])
	res, err := w.upstream.OpenStream(ctx, trackID, sessionID, nil)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", ErrUpstream, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrUpstream, res.StatusCode)
	}

	cmd := exec.CommandContext(ctx, w.ffmpegPath, w.args(dir)...) // #nosec G204
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	logger.Info().
		Str(log.FieldEvent, "hls.transcode.start").
		Int("pid", cmd.Process.Pid).
		Msg("transcode started")

	go func() {
		defer func() {
			_ = stdin.Close()
		}()
		if _, err := io.Copy(stdin, res.Body); err != nil {
			// ffmpeg closes stdin once it has what it needs.
			if !strings.Contains(err.Error(), "broken pipe") && !strings.Contains(err.Error(), "file already closed") {
				logger.Warn().Err(err).Msg("copy to ffmpeg stdin failed")
			}
		}
	}()

	go w.scanStderr(logger, stderr)

	// ffmpeg that produces no output within the startup window is stuck;
	// kill it rather than burning the whole job timeout.
	go func() {
		werr := waitForFile(ctx, logger, filepath.Join(dir, workPlaylistName), playlistStartTimeout)
		if werr != nil && ctx.Err() == nil {
			logger.Warn().Err(werr).Msg("no playlist output, killing ffmpeg")
			_ = cmd.Process.Kill()
		}
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transcode timed out after %s: %w", w.timeout, ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}

	if err := w.finalize(dir); err != nil {
		return err
	}

	logger.Info().
		Str(log.FieldEvent, "hls.transcode.done").
		Dur("elapsed", time.Since(start)).
		Msg("transcode finished")
	return nil
}

// finalize promotes the work playlist to the atomic ready marker.
func (w *FFmpegWorker) finalize(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, workPlaylistName)) // #nosec G304
	if err != nil {
		return fmt.Errorf("read work playlist: %w", err)
	}
	if !strings.Contains(string(data), "#EXT-X-ENDLIST") {
		return fmt.Errorf("work playlist not terminated, transcode incomplete")
	}
	if err := renameio.WriteFile(filepath.Join(dir, PlaylistName), data, 0o640); err != nil {
		return fmt.Errorf("finalize playlist: %w", err)
	}
	return nil
}

func (w *FFmpegWorker) scanStderr(logger zerolog.Logger, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stats := ParseFFmpegStats(line); stats != nil {
			logger.Debug().
				Float64("speed", stats.Speed).
				Float64("bitrate_kbps", stats.BitrateKBPS).
				Dur("position", stats.Time).
				Msg("transcode progress")
			continue
		}
		if strings.TrimSpace(line) != "" {
			logger.Debug().Str("ffmpeg", line).Msg("ffmpeg output")
		}
	}
}
