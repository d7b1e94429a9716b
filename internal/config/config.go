// Package config loads jfbridge configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Encoding holds the default upstream encoding parameters applied to video
// stream requests. Values are passed to the upstream transcoder verbatim.
type Encoding struct {
	AudioBitrate     string
	VideoBitrate     string
	MaxAudioChannels string
	MaxHeight        string
	MaxWidth         string
}

// AppConfig is the full daemon configuration.
type AppConfig struct {
	// Upstream server
	JellyfinHost     string
	JellyfinUsername string
	JellyfinPassword string

	// HTTP surface
	ListenAddr string
	AuthUser   string // optional basic auth for /api routes
	AuthPass   string

	Encoding Encoding

	// Segment cache
	CacheDir         string
	SegmentSeconds   int
	TranscodeTimeout time.Duration
	CacheRetention   time.Duration
	JanitorInterval  time.Duration

	// Proxy bindings
	ProxyTTL time.Duration // 0 disables binding expiry

	// Tooling
	FFmpegPath     string
	FFmpegLogLevel string

	RateLimitRPM   int
	MetricsEnabled bool
}

// Load reads the configuration from the environment. It fails when a
// required upstream credential is missing.
func Load() (AppConfig, error) {
	cfg := AppConfig{
		JellyfinHost:     strings.TrimRight(ParseString("JELLYFIN_HOST", ""), "/"),
		JellyfinUsername: ParseString("JELLYFIN_USERNAME", ""),
		JellyfinPassword: ParseString("JELLYFIN_PASSWORD", ""),

		ListenAddr: ParseString("JFB_LISTEN", ":4000"),
		AuthUser:   ParseString("JFB_AUTH_USER", ""),
		AuthPass:   ParseString("JFB_AUTH_PASS", ""),

		Encoding: Encoding{
			AudioBitrate:     ParseString("AUDIO_BITRATE", "192000"),
			VideoBitrate:     ParseString("VIDEO_BITRATE", "3000000"),
			MaxAudioChannels: ParseString("MAX_AUDIO_CHANNELS", "2"),
			MaxHeight:        ParseString("MAX_HEIGHT", "720"),
			MaxWidth:         ParseString("MAX_WIDTH", "1280"),
		},

		CacheDir:         ParseString("JFB_CACHE_DIR", filepath.Join(os.TempDir(), "jfbridge-cache")),
		SegmentSeconds:   ParseInt("JFB_SEGMENT_SECONDS", 10),
		TranscodeTimeout: ParseDuration("JFB_TRANSCODE_TIMEOUT", 10*time.Minute),
		CacheRetention:   ParseDuration("JFB_CACHE_RETENTION", 24*time.Hour),
		JanitorInterval:  ParseDuration("JFB_JANITOR_INTERVAL", time.Hour),

		ProxyTTL: ParseDuration("JFB_PROXY_TTL", 0),

		FFmpegPath:     ParseString("JFB_FFMPEG_PATH", "ffmpeg"),
		FFmpegLogLevel: ParseString("JFB_FFMPEG_LOGLEVEL", ""),

		RateLimitRPM:   ParseInt("JFB_RATE_LIMIT_RPM", 300),
		MetricsEnabled: ParseBool("JFB_METRICS_ENABLED", true),
	}

	var missing []string
	if cfg.JellyfinHost == "" {
		missing = append(missing, "JELLYFIN_HOST")
	}
	if cfg.JellyfinUsername == "" {
		missing = append(missing, "JELLYFIN_USERNAME")
	}
	if cfg.JellyfinPassword == "" {
		missing = append(missing, "JELLYFIN_PASSWORD")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 10
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = 10 * time.Minute
	}

	return cfg, nil
}
