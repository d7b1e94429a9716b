package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jfbridge/jfbridge/internal/config"
	"github.com/jfbridge/jfbridge/internal/hls"
	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/proxy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJellyfin emulates the slices of the upstream API the bridge talks to.
type fakeJellyfin struct {
	mu          sync.Mutex
	sessions    []string
	queries     []string
	emptyStream bool
}

func (f *fakeJellyfin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"User":        map[string]string{"Id": "u1"},
			"AccessToken": "tok",
		})
	})
	mux.HandleFunc("/Users/u1/Views", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Items": []map[string]any{{"Id": "lib1", "Name": "Music"}},
		})
	})
	mux.HandleFunc("/Users/u1/Items", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// Deliberately out of track order: the API layer sorts.
		all := []map[string]any{
			{"Id": "bb22bb22", "Name": "Second", "Type": "Audio", "AlbumArtist": "Band", "IndexNumber": 2, "RunTimeTicks": 2400000000},
			{"Id": "aa11aa11", "Name": "First", "Type": "Audio", "AlbumArtist": "Band", "IndexNumber": 1, "RunTimeTicks": 1810000000},
			{"Id": "cc33cc33", "Name": "Cover", "Type": "Photo"},
		}
		if ids := q.Get("Ids"); ids != "" {
			var match []map[string]any
			for _, it := range all {
				if it["Id"] == ids {
					match = append(match, it)
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"Items": match})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Items": all})
	})
	streamHandler := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sessions = append(f.sessions, r.URL.Query().Get("PlaySessionId"))
		f.queries = append(f.queries, r.URL.RawQuery)
		empty := f.emptyStream
		f.mu.Unlock()
		w.Header().Set("Content-Type", "audio/mpeg")
		if empty {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte("stream-bytes"))
	}
	mux.HandleFunc("/Audio/aa11aa11/stream", streamHandler)
	mux.HandleFunc("/Audio/bb22bb22/stream", streamHandler)
	imageHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("image-bytes"))
	}
	mux.HandleFunc("/Items/aa11aa11/Images/Primary", imageHandler)
	mux.HandleFunc("/Items/aa11aa11/Images/Backdrop/0", imageHandler)
	return mux
}

// stubWorker writes a ready playlist plus one segment without ffmpeg. The
// playlist references the segment by absolute path, the way ffmpeg does
// with an absolute -hls_segment_filename.
type stubWorker struct{}

func (stubWorker) Run(ctx context.Context, trackID, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	segPath := filepath.Join(dir, "seg_00000.ts")
	if err := os.WriteFile(segPath, []byte("segment-bytes"), 0o640); err != nil {
		return err
	}
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\n" + segPath + "\n#EXT-X-ENDLIST\n"
	return os.WriteFile(filepath.Join(dir, hls.PlaylistName), []byte(playlist), 0o640)
}

// failWorker fails every run with a fixed error.
type failWorker struct {
	err error
}

func (f failWorker) Run(ctx context.Context, trackID, dir string) error {
	return f.err
}

type fixture struct {
	srv      *httptest.Server
	upstream *fakeJellyfin
	cacheDir string
}

func newFixture(t *testing.T, mutate func(*config.AppConfig)) *fixture {
	t.Helper()
	return newFixtureWithWorker(t, mutate, stubWorker{})
}

func newFixtureWithWorker(t *testing.T, mutate func(*config.AppConfig), worker hls.Worker) *fixture {
	t.Helper()
	f := &fakeJellyfin{}
	upstreamSrv := httptest.NewServer(f.handler())
	t.Cleanup(upstreamSrv.Close)

	cfg := &config.AppConfig{
		JellyfinHost: upstreamSrv.URL,
		AuthUser:     "bridge",
		AuthPass:     "hunter2",
		CacheDir:     t.TempDir(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	client := jellyfin.New(cfg.JellyfinHost, "alice", "secret", jellyfin.Options{Logger: zerolog.Nop()})
	require.NoError(t, client.Authenticate(context.Background()))

	registry := proxy.NewRegistry(0, zerolog.Nop())
	relay := proxy.NewRelay(client, registry, zerolog.Nop())
	coordinator, err := hls.NewCoordinator(worker, cfg.CacheDir, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(New(cfg, client, registry, relay, coordinator).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, upstream: f, cacheDir: cfg.CacheDir}
}

func get(t *testing.T, url string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth("bridge", "hunter2")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestAPI_RequiresBasicAuth(t *testing.T) {
	fx := newFixture(t, nil)

	res := get(t, fx.srv.URL+"/api/views", false)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = get(t, fx.srv.URL+"/api/views", true)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStreamingRoutes_BypassBasicAuth(t *testing.T) {
	fx := newFixture(t, nil)

	// Unauthenticated requests reach the handlers; only the resource
	// lookup decides the status.
	res := get(t, fx.srv.URL+"/v/0123456789abcdef0123456789abcdef", false)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = get(t, fx.srv.URL+"/playlist/aa11aa11aa11aa11.m3u8", false)
	assert.NotEqual(t, http.StatusUnauthorized, res.StatusCode)
}

func TestProxyCreateAndStream(t *testing.T) {
	fx := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, fx.srv.URL+"/api/proxy/aa11aa11", strings.NewReader(`{"audioStreamIndex":2}`))
	require.NoError(t, err)
	req.SetBasicAuth("bridge", "hunter2")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var created struct {
		ID        string `json:"id"`
		StreamURL string `json:"streamUrl"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	assert.Len(t, created.ID, 32)
	assert.Contains(t, created.StreamURL, "/v/"+created.ID)

	sres := get(t, fx.srv.URL+"/v/"+created.ID, false)
	require.Equal(t, http.StatusOK, sres.StatusCode)
	body, err := io.ReadAll(sres.Body)
	require.NoError(t, err)
	assert.Equal(t, "stream-bytes", string(body))
	assert.Equal(t, "audio/mpeg", sres.Header.Get("Content-Type"))
}

func TestStream_UniquePlaySessionPerFetch(t *testing.T) {
	fx := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodPost, fx.srv.URL+"/api/proxy/aa11aa11", nil)
	req.SetBasicAuth("bridge", "hunter2")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	_ = res.Body.Close()

	for i := 0; i < 2; i++ {
		r := get(t, fx.srv.URL+"/v/"+created.ID, false)
		require.Equal(t, http.StatusOK, r.StatusCode)
	}

	fx.upstream.mu.Lock()
	defer fx.upstream.mu.Unlock()
	require.Len(t, fx.upstream.sessions, 2)
	assert.NotEqual(t, fx.upstream.sessions[0], fx.upstream.sessions[1])
}

func TestAlbumPlaylist(t *testing.T) {
	fx := newFixture(t, nil)

	res := get(t, fx.srv.URL+"/playlist/ab12ab12.m3u8", false)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", res.Header.Get("Content-Type"))

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "#EXTM3U")
	assert.Contains(t, body, "#EXTINF:181,Band - First")
	assert.Contains(t, body, "/playlist/track/aa11aa11/index.m3u8")
	assert.Contains(t, body, "/playlist/track/bb22bb22/index.m3u8")
	assert.NotContains(t, body, "cc33cc33", "non-audio children are excluded")

	// The upstream lists Second before First; the playlist follows track
	// numbers instead.
	assert.Less(t,
		strings.Index(body, "aa11aa11"),
		strings.Index(body, "bb22bb22"),
		"tracks must appear in IndexNumber order")
}

func TestTrackPlaylistAndSegment(t *testing.T) {
	fx := newFixture(t, nil)

	res := get(t, fx.srv.URL+"/playlist/track/aa11aa11/index.m3u8", false)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", res.Header.Get("Content-Type"))

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "#EXT-X-ENDLIST")
	assert.Contains(t, body, fx.srv.URL+"/playlist/track/aa11aa11/seg_00000.ts",
		"segment references must be client URLs")
	assert.NotContains(t, body, fx.cacheDir, "cache paths must not leak")

	seg := get(t, fx.srv.URL+"/playlist/track/aa11aa11/seg_00000.ts", false)
	require.Equal(t, http.StatusOK, seg.StatusCode)
	assert.Equal(t, "video/mp2t", seg.Header.Get("Content-Type"))
}

func TestTrackPlaylist_TranscodeFailureIs500(t *testing.T) {
	fx := newFixtureWithWorker(t, nil, failWorker{err: errors.New("ffmpeg exited with code 1")})

	res := get(t, fx.srv.URL+"/playlist/track/aa11aa11/index.m3u8", false)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestTrackPlaylist_UpstreamFailureIs502(t *testing.T) {
	fx := newFixtureWithWorker(t, nil, failWorker{err: fmt.Errorf("%w: status 503", hls.ErrUpstream)})

	res := get(t, fx.srv.URL+"/playlist/track/aa11aa11/index.m3u8", false)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestSegment_RejectsForeignNames(t *testing.T) {
	fx := newFixture(t, nil)

	// Prepare the track so the directory exists.
	res := get(t, fx.srv.URL+"/playlist/track/aa11aa11/index.m3u8", false)
	require.Equal(t, http.StatusOK, res.StatusCode)

	for _, name := range []string{"index.m3u8.bak", "seg_1.ts", "notasegment.ts"} {
		r := get(t, fx.srv.URL+"/playlist/track/aa11aa11/"+name, false)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, "name %q", name)
	}

	// A well-formed name that was never produced is a plain miss.
	r := get(t, fx.srv.URL+"/playlist/track/aa11aa11/seg_09999.ts", false)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestImageRoutes(t *testing.T) {
	fx := newFixture(t, nil)

	for _, path := range []string{
		"/api/image/aa11aa11",
		"/api/image/aa11aa11/Primary",
		"/api/image/aa11aa11/Backdrop/0",
	} {
		res := get(t, fx.srv.URL+path, true)
		require.Equal(t, http.StatusOK, res.StatusCode, "path %q", path)
		assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"), "path %q", path)
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		assert.Equal(t, "image-bytes", string(body), "path %q", path)
	}
}

func TestStream_EmptyUpstreamBodyIs502(t *testing.T) {
	fx := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodPost, fx.srv.URL+"/api/proxy/aa11aa11", nil)
	req.SetBasicAuth("bridge", "hunter2")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	_ = res.Body.Close()

	fx.upstream.mu.Lock()
	fx.upstream.emptyStream = true
	fx.upstream.mu.Unlock()

	r := get(t, fx.srv.URL+"/v/"+created.ID, false)
	assert.Equal(t, http.StatusBadGateway, r.StatusCode)
}

func TestRateLimit_OnlyCoversAPIRoutes(t *testing.T) {
	fx := newFixture(t, func(cfg *config.AppConfig) {
		cfg.RateLimitRPM = 2
	})

	for i := 0; i < 2; i++ {
		res := get(t, fx.srv.URL+"/api/views", true)
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	res := get(t, fx.srv.URL+"/api/views", true)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))

	// Streaming stays unthrottled: segment bursts far exceed any sane
	// API budget.
	for i := 0; i < 5; i++ {
		r := get(t, fx.srv.URL+"/playlist/track/aa11aa11/index.m3u8", false)
		require.Equal(t, http.StatusOK, r.StatusCode)
	}
}

func TestDirectPlaylist(t *testing.T) {
	fx := newFixture(t, nil)

	res := get(t, fx.srv.URL+"/api/playlist/ab12ab12.m3u", true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "audio/x-mpegurl", res.Header.Get("Content-Type"))

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "#EXTM3U")
	// Two audio tracks, two freshly minted proxy URLs.
	assert.Equal(t, 2, strings.Count(body, "/v/"))
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, nil)
	res := get(t, fx.srv.URL+"/healthz", false)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestItemEndpoint(t *testing.T) {
	fx := newFixture(t, nil)

	res := get(t, fx.srv.URL+"/api/item/aa11aa11", true)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var item jellyfin.Item
	require.NoError(t, json.NewDecoder(res.Body).Decode(&item))
	assert.Equal(t, "First", item.Name)

	res = get(t, fx.srv.URL+"/api/item/dd44dd44", true)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = get(t, fx.srv.URL+"/api/item/..%2F..%2Fetc", true)
	assert.NotEqual(t, http.StatusOK, res.StatusCode)
}
