package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mediaServer is a minimal upstream that authenticates, resolves one audio
// item and serves its stream bytes.
type mediaServer struct {
	mu         sync.Mutex
	sessions   []string
	streamCode int
	payload    []byte
}

func (m *mediaServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"User":        map[string]string{"Id": "u1"},
			"AccessToken": "tok",
		})
	})
	mux.HandleFunc("/Users/u1/Items", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{{"Id": "track1", "Type": "Audio"}},
		})
	})
	mux.HandleFunc("/Audio/track1/stream", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.sessions = append(m.sessions, r.URL.Query().Get("PlaySessionId"))
		m.mu.Unlock()
		if m.streamCode != 0 && m.streamCode != http.StatusOK {
			w.WriteHeader(m.streamCode)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Accept-Ranges", "bytes")
		_, _ = w.Write(m.payload)
	})
	return mux
}

func newRelayFixture(t *testing.T, m *mediaServer) (*Relay, *Registry) {
	t.Helper()
	srv := httptest.NewServer(m.handler())
	t.Cleanup(srv.Close)

	client := jellyfin.New(srv.URL, "alice", "secret", jellyfin.Options{Logger: zerolog.Nop()})
	require.NoError(t, client.Authenticate(context.Background()))

	reg := NewRegistry(0, zerolog.Nop())
	return NewRelay(client, reg, zerolog.Nop()), reg
}

func TestRelay_PipesUpstreamBytes(t *testing.T) {
	m := &mediaServer{payload: []byte("mp3-bytes-here")}
	relay, reg := newRelayFixture(t, m)
	b := reg.Create("track1", nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/"+b.ID, nil)
	relay.ServeStream(rec, req, b.ID)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mp3-bytes-here", rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Empty(t, rec.Header().Get("Transfer-Encoding"))
}

func TestRelay_UniqueSessionPerRequest(t *testing.T) {
	m := &mediaServer{payload: []byte("x")}
	relay, reg := newRelayFixture(t, m)
	b := reg.Create("track1", nil)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		relay.ServeStream(rec, httptest.NewRequest(http.MethodGet, "/v/"+b.ID, nil), b.ID)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.sessions, 3)
	seen := make(map[string]bool)
	for _, s := range m.sessions {
		assert.NotEmpty(t, s)
		assert.False(t, seen[s], "play session %q reused", s)
		seen[s] = true
	}
}

func TestRelay_UnknownIDIs404(t *testing.T) {
	relay, _ := newRelayFixture(t, &mediaServer{})

	for _, id := range []string{
		"0123456789abcdef0123456789abcdef", // well formed but unbound
		"nonsense",
		"../../etc/passwd",
	} {
		rec := httptest.NewRecorder()
		relay.ServeStream(rec, httptest.NewRequest(http.MethodGet, "/v/"+id, nil), id)
		assert.Equal(t, http.StatusNotFound, rec.Code, "id %q", id)
	}
}

func TestRelay_UpstreamFailureIs502(t *testing.T) {
	m := &mediaServer{streamCode: http.StatusInternalServerError}
	relay, reg := newRelayFixture(t, m)
	b := reg.Create("track1", nil)

	rec := httptest.NewRecorder()
	relay.ServeStream(rec, httptest.NewRequest(http.MethodGet, "/v/"+b.ID, nil), b.ID)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRelay_EmptyUpstreamBodyIs502(t *testing.T) {
	// A 200 with Content-Length: 0 means the upstream has nothing to play.
	m := &mediaServer{payload: nil}
	relay, reg := newRelayFixture(t, m)
	b := reg.Create("track1", nil)

	rec := httptest.NewRecorder()
	relay.ServeStream(rec, httptest.NewRequest(http.MethodGet, "/v/"+b.ID, nil), b.ID)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestIsExpectedStreamError(t *testing.T) {
	assert.True(t, isExpectedStreamError(fmt.Errorf("write tcp: broken pipe")))
	assert.True(t, isExpectedStreamError(fmt.Errorf("read: connection reset by peer")))
	assert.False(t, isExpectedStreamError(fmt.Errorf("short write")))
	assert.False(t, isExpectedStreamError(nil))
}
