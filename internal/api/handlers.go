package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jfbridge/jfbridge/internal/core/pathutil"
	"github.com/jfbridge/jfbridge/internal/hls"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/log"
)

// baseURL reconstructs the externally visible origin so playlist and proxy
// URLs resolve from the client's side of the network.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.upstream.UserViews(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("user views fetch failed")
		writeBadGateway(w)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parentId")
	if parentID != "" && !pathutil.ValidItemID(parentID) {
		writeBadRequest(w, "invalid parentId")
		return
	}
	items, err := s.upstream.Items(r.Context(), parentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("items fetch failed")
		writeBadGateway(w)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if !pathutil.ValidItemID(itemID) {
		writeBadRequest(w, "invalid item id")
		return
	}
	item, err := s.upstream.Item(r.Context(), itemID)
	if errors.Is(err, jellyfin.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldItemID, itemID).Msg("item fetch failed")
		writeBadGateway(w)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if !pathutil.ValidItemID(itemID) {
		writeBadRequest(w, "invalid item id")
		return
	}
	streams, err := s.upstream.MediaStreams(r.Context(), itemID)
	if errors.Is(err, jellyfin.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldItemID, itemID).Msg("media streams fetch failed")
		writeBadGateway(w)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if !pathutil.ValidItemID(itemID) {
		writeBadRequest(w, "invalid item id")
		return
	}
	imageType := chi.URLParam(r, "imageType")
	if imageType == "" {
		imageType = r.URL.Query().Get("type")
	}
	indexParam := chi.URLParam(r, "imageIndex")
	if indexParam == "" {
		indexParam = r.URL.Query().Get("index")
	}
	index := -1
	if indexParam != "" {
		n, err := strconv.Atoi(indexParam)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid image index")
			return
		}
		index = n
	}

	res, err := s.upstream.FetchImage(r.Context(), itemID, imageType, index)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldItemID, itemID).Msg("image fetch failed")
		writeBadGateway(w)
		return
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode == http.StatusNotFound {
		writeNotFound(w)
		return
	}
	if res.StatusCode != http.StatusOK {
		writeBadGateway(w)
		return
	}

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = io.Copy(w, res.Body)
}

// proxyCreateRequest carries optional stream selections for a binding.
type proxyCreateRequest struct {
	AudioStreamIndex    *int   `json:"audioStreamIndex"`
	SubtitleStreamIndex *int   `json:"subtitleStreamIndex"`
	SubtitleMethod      string `json:"subtitleMethod"`
}

func (s *Server) handleProxyCreate(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if !pathutil.ValidItemID(itemID) {
		writeBadRequest(w, "invalid item id")
		return
	}

	var opts *jellyfin.StreamOptions
	if r.Body != nil {
		var req proxyCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeBadRequest(w, "invalid request body")
			return
		}
		if req.AudioStreamIndex != nil || req.SubtitleStreamIndex != nil {
			method := jellyfin.SubtitleMethod(req.SubtitleMethod)
			if req.SubtitleMethod != "" && !jellyfin.ValidSubtitleMethod(method) {
				writeBadRequest(w, "invalid subtitle method")
				return
			}
			// Subtitles only work on our clients burned into the picture,
			// so selecting a subtitle stream defaults to encoding it.
			if req.SubtitleStreamIndex != nil && method == "" {
				method = jellyfin.SubtitleEncode
			}
			opts = &jellyfin.StreamOptions{
				AudioStreamIndex:    req.AudioStreamIndex,
				SubtitleStreamIndex: req.SubtitleStreamIndex,
				SubtitleMethod:      method,
			}
		}
	}

	b := s.registry.Create(itemID, opts)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":        b.ID,
		"streamUrl": fmt.Sprintf("%s/v/%s", baseURL(r), b.ID),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.relay.ServeStream(w, r, chi.URLParam(r, "proxyID"))
}

// albumTracks loads the playable audio children of an album in ascending
// track order. The upstream response order is not guaranteed.
func (s *Server) albumTracks(r *http.Request, albumID string) ([]*jellyfin.Item, error) {
	items, err := s.upstream.Items(r.Context(), albumID)
	if err != nil {
		return nil, err
	}
	tracks := make([]*jellyfin.Item, 0, len(items))
	for i := range items {
		if items[i].IsAudio() {
			tracks = append(tracks, &items[i])
		}
	}
	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].IndexNumber < tracks[j].IndexNumber
	})
	return tracks, nil
}

func (s *Server) handleAlbumPlaylist(w http.ResponseWriter, r *http.Request) {
	albumID := chi.URLParam(r, "albumID")
	if !pathutil.ValidItemID(albumID) {
		writeBadRequest(w, "invalid album id")
		return
	}
	tracks, err := s.albumTracks(r, albumID)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldItemID, albumID).Msg("album fetch failed")
		writeBadGateway(w)
		return
	}
	if len(tracks) == 0 {
		writeNotFound(w)
		return
	}

	base := baseURL(r)
	playlist := hls.BuildAlbumPlaylist(tracks, func(trackID string) string {
		return fmt.Sprintf("%s/playlist/track/%s/index.m3u8", base, trackID)
	})
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(playlist))
}

// handleDirectPlaylist serves an M3U whose entries relay the upstream
// stream directly, one fresh proxy binding per track.
func (s *Server) handleDirectPlaylist(w http.ResponseWriter, r *http.Request) {
	albumID := chi.URLParam(r, "albumID")
	if !pathutil.ValidItemID(albumID) {
		writeBadRequest(w, "invalid album id")
		return
	}
	tracks, err := s.albumTracks(r, albumID)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldItemID, albumID).Msg("album fetch failed")
		writeBadGateway(w)
		return
	}
	if len(tracks) == 0 {
		writeNotFound(w)
		return
	}

	base := baseURL(r)
	playlist := hls.BuildAlbumPlaylist(tracks, func(trackID string) string {
		b := s.registry.Create(trackID, nil)
		return fmt.Sprintf("%s/v/%s", base, b.ID)
	})
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	_, _ = w.Write([]byte(playlist))
}

func (s *Server) handleTrackPlaylist(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	if !pathutil.ValidItemID(trackID) {
		writeBadRequest(w, "invalid track id")
		return
	}

	if err := s.coordinator.EnsureReady(r.Context(), trackID); err != nil {
		if r.Context().Err() != nil {
			// Client left while waiting, nothing to write.
			return
		}
		s.logger.Error().Err(err).Str(log.FieldTrackID, trackID).Msg("segment preparation failed")
		if errors.Is(err, hls.ErrUpstream) {
			writeBadGateway(w)
		} else {
			writeError(w, http.StatusInternalServerError, "segment preparation failed")
		}
		return
	}

	path, err := s.coordinator.PlaylistPath(trackID)
	if err != nil {
		writeBadRequest(w, "invalid track id")
		return
	}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldTrackID, trackID).Msg("playlist read failed")
		writeError(w, http.StatusInternalServerError, "playlist unavailable")
		return
	}

	// The on-disk playlist references segments by filesystem path; clients
	// get URLs.
	base := baseURL(r)
	rewritten := hls.RewritePlaylist(data, func(name string) string {
		return fmt.Sprintf("%s/playlist/track/%s/%s", base, trackID, name)
	})
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(rewritten))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	trackID := chi.URLParam(r, "trackID")
	segment := chi.URLParam(r, "segment")
	if !pathutil.ValidItemID(trackID) {
		writeBadRequest(w, "invalid track id")
		return
	}
	path, err := s.coordinator.SegmentPath(trackID, segment)
	if err != nil {
		// Anything that is not a generated segment name is treated as an
		// attempted escape, not a miss.
		s.logger.Warn().
			Str(log.FieldTrackID, trackID).
			Str(log.FieldSegment, segment).
			Msg("rejected segment request")
		writeBadRequest(w, "invalid segment name")
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}
