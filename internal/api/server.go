// Package api exposes the HTTP surface: authenticated catalog endpoints,
// unauthenticated streaming endpoints, and operational endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jfbridge/jfbridge/internal/config"
	"github.com/jfbridge/jfbridge/internal/hls"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires handlers to their collaborators.
type Server struct {
	cfg         *config.AppConfig
	upstream    *jellyfin.Client
	registry    *proxy.Registry
	relay       *proxy.Relay
	coordinator *hls.Coordinator
	logger      zerolog.Logger
}

// New creates a server. Call Router to obtain the handler.
func New(cfg *config.AppConfig, upstream *jellyfin.Client, registry *proxy.Registry, relay *proxy.Relay, coordinator *hls.Coordinator) *Server {
	return &Server{
		cfg:         cfg,
		upstream:    upstream,
		registry:    registry,
		relay:       relay,
		coordinator: coordinator,
		logger:      log.WithComponent("api"),
	}
}

// Router builds the route tree. Catalog routes sit behind basic auth and
// the rate limiter; streaming routes bypass both because media players
// fetch them as bare URLs, often in rapid segment bursts.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.Route("/api", func(r chi.Router) {
		if s.cfg.AuthUser != "" {
			r.Use(basicAuth(s.cfg.AuthUser, s.cfg.AuthPass))
		}
		if s.cfg.RateLimitRPM > 0 {
			r.Use(rateLimit(s.cfg.RateLimitRPM, time.Minute))
		}

		r.Get("/views", s.handleViews)
		r.Get("/items", s.handleItems)
		r.Get("/item/{itemID}", s.handleItem)
		r.Get("/image/{itemID}", s.handleImage)
		r.Get("/image/{itemID}/{imageType}", s.handleImage)
		r.Get("/image/{itemID}/{imageType}/{imageIndex}", s.handleImage)
		r.Get("/streams/{itemID}", s.handleStreams)
		r.Post("/proxy/{itemID}", s.handleProxyCreate)
		r.Get("/playlist/{albumID}.m3u", s.handleDirectPlaylist)
	})

	// Streaming surface, consumed by media players via plain URLs.
	r.Get("/v/{proxyID}", s.handleStream)
	r.Get("/playlist/{albumID}.m3u8", s.handleAlbumPlaylist)
	r.Get("/playlist/track/{trackID}/index.m3u8", s.handleTrackPlaylist)
	r.Get("/playlist/track/{trackID}/{segment}", s.handleSegment)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
