package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfbridge/jfbridge/internal/api"
	"github.com/jfbridge/jfbridge/internal/config"
	"github.com/jfbridge/jfbridge/internal/hls"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	jflog "github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/proxy"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	jflog.Configure(jflog.Config{
		Level:   os.Getenv("LOG_LEVEL"),
		Service: "jfbridge",
		Version: version,
	})
	logger := jflog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(jflog.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
	}

	upstream := jellyfin.New(cfg.JellyfinHost, cfg.JellyfinUsername, cfg.JellyfinPassword, jellyfin.Options{
		Version: version,
		Logger:  jflog.WithComponent("jellyfin"),
		Encoding: jellyfin.Encoding{
			AudioBitrate:     cfg.Encoding.AudioBitrate,
			VideoBitrate:     cfg.Encoding.VideoBitrate,
			MaxAudioChannels: cfg.Encoding.MaxAudioChannels,
			MaxHeight:        cfg.Encoding.MaxHeight,
			MaxWidth:         cfg.Encoding.MaxWidth,
		},
	})

	// A server that cannot reach its upstream has nothing to serve.
	authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = upstream.Authenticate(authCtx)
	cancel()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(jflog.FieldEvent, "upstream.auth_failed").
			Str("host", maskURL(cfg.JellyfinHost)).
			Msg("upstream authentication failed")
	}

	registry := proxy.NewRegistry(cfg.ProxyTTL, jflog.WithComponent("proxy"))
	registry.StartSweeper(ctx)
	relay := proxy.NewRelay(upstream, registry, jflog.WithComponent("relay"))

	worker := hls.NewFFmpegWorker(upstream, hls.FFmpegWorkerConfig{
		FFmpegPath:     cfg.FFmpegPath,
		FFmpegLogLevel: cfg.FFmpegLogLevel,
		SegmentSeconds: cfg.SegmentSeconds,
		AudioBitrate:   cfg.Encoding.AudioBitrate,
		Timeout:        cfg.TranscodeTimeout,
	}, jflog.WithComponent("transcoder"))

	coordinator, err := hls.NewCoordinator(worker, cfg.CacheDir, jflog.WithComponent("hls"))
	if err != nil {
		logger.Fatal().Err(err).Msg("segment cache setup failed")
	}

	janitor := hls.NewJanitor(cfg.CacheDir, cfg.CacheRetention, cfg.JanitorInterval, coordinator.InProgress, jflog.WithComponent("janitor"))
	go janitor.Run(ctx)

	server := api.New(&cfg, upstream, registry, relay, coordinator)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: stream relays are open-ended.
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str(jflog.FieldEvent, "server.start").
			Str("addr", cfg.ListenAddr).
			Str("upstream", maskURL(cfg.JellyfinHost)).
			Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str(jflog.FieldEvent, "server.shutdown").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}
}
