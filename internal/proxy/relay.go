package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/metrics"
	"github.com/rs/zerolog"
)

// hopHeaders are connection-scoped and must not be forwarded from the
// upstream response. Transfer-Encoding in particular would corrupt the
// relay: the Go server applies its own framing.
var hopHeaders = map[string]bool{
	"Transfer-Encoding":   true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Upgrade":             true,
	"Trailer":             true,
	"Te":                  true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
}

// Relay serves upstream stream bytes for resolved proxy bindings.
type Relay struct {
	upstream *jellyfin.Client
	registry *Registry
	logger   zerolog.Logger
}

// NewRelay wires a relay to its registry and upstream session.
func NewRelay(upstream *jellyfin.Client, registry *Registry, logger zerolog.Logger) *Relay {
	return &Relay{upstream: upstream, registry: registry, logger: logger}
}

// ServeStream resolves proxyID and pipes the upstream stream to w.
// Unknown ids get 404; any upstream failure gets 502. Once body bytes have
// been written the status is committed and errors can only end the copy.
func (rl *Relay) ServeStream(w http.ResponseWriter, r *http.Request, proxyID string) {
	logger := rl.logger.With().Str(log.FieldProxyID, proxyID).Logger()

	if !ValidProxyID(proxyID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	b, err := rl.registry.Resolve(proxyID)
	if err != nil {
		logger.Warn().Msg("stream request for unknown proxy id")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	// Each stream request gets its own upstream playback session, so two
	// clients sharing one proxy id never collide on the upstream side.
	sessionID := fmt.Sprintf("%s-%s", b.ID[:8], uuid.NewString()[:8])

	res, err := rl.upstream.OpenStream(r.Context(), b.ItemID, sessionID, b.Options)
	if err != nil {
		metrics.IncRelayError("upstream_open")
		logger.Error().Err(err).Str(log.FieldItemID, b.ItemID).Msg("upstream stream open failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		metrics.IncRelayError("upstream_status")
		logger.Error().
			Int("status", res.StatusCode).
			Str(log.FieldItemID, b.ItemID).
			Msg("upstream stream returned error status")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	// A 2xx with a declared empty body means the upstream accepted the
	// request but has nothing to play. Chunked responses report -1 here
	// and pass through untouched.
	if res.ContentLength == 0 {
		metrics.IncRelayError("upstream_empty")
		logger.Error().
			Str(log.FieldItemID, b.ItemID).
			Msg("upstream stream returned empty body")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	for k, vv := range res.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)

	metrics.ActiveRelays.Inc()
	defer metrics.ActiveRelays.Dec()

	written, err := io.Copy(w, res.Body)
	if err != nil && !isExpectedStreamError(err) {
		metrics.IncRelayError("copy")
		logger.Warn().Err(err).Int64("bytes", written).Msg("stream relay aborted")
		return
	}
	logger.Info().
		Str(log.FieldItemID, b.ItemID).
		Int64("bytes", written).
		Msg("stream relay finished")
}

// isExpectedStreamError reports whether err is a normal client disconnect
// rather than a relay fault.
func isExpectedStreamError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "context canceled")
}
