// Package jellyfin implements the authenticated upstream session.
//
// A single Client instance is shared by all requests. The access token is
// mutable: any call that hits an authorization failure re-authenticates once
// and retries with fresh credentials, so callers must never cache the token.
package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jfbridge/jfbridge/internal/log"
	"github.com/jfbridge/jfbridge/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// AppName identifies jfbridge to the upstream server.
const AppName = "jfbridge"

// Client owns the authenticated connection to the upstream media server.
type Client struct {
	base     string
	username string
	password string
	version  string
	encoding Encoding
	logger   zerolog.Logger

	http       *http.Client // catalog calls
	streamHTTP *http.Client // stream relays, no timeout (long transcode pre-rolls)

	mu     sync.RWMutex
	token  string
	userID string

	refresh singleflight.Group
}

// Encoding holds the default encoding parameters applied to video stream
// requests. Values are forwarded to the upstream transcoder verbatim.
type Encoding struct {
	AudioBitrate     string
	VideoBitrate     string
	MaxAudioChannels string
	MaxHeight        string
	MaxWidth         string
}

// Options configures a Client.
type Options struct {
	Version  string
	Logger   zerolog.Logger
	Encoding Encoding
	// HTTPClient overrides the catalog HTTP client (tests).
	HTTPClient *http.Client
}

// New creates an unauthenticated client for the given server.
func New(serverURL, username, password string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	version := opts.Version
	if version == "" {
		version = "0.0.0"
	}
	return &Client{
		base:       strings.TrimRight(serverURL, "/"),
		username:   username,
		password:   password,
		version:    version,
		encoding:   opts.Encoding,
		logger:     opts.Logger,
		http:       httpClient,
		streamHTTP: &http.Client{Timeout: 0},
	}
}

// ServerURL returns the configured upstream base URL.
func (c *Client) ServerURL() string {
	return c.base
}

// Token returns the current access token. Callers must call this for every
// outgoing request rather than caching the value: a concurrent request may
// have replaced the token via re-authentication.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// authHeader builds the MediaBrowser identity header sent on every call.
func (c *Client) authHeader() string {
	return fmt.Sprintf(`MediaBrowser Client="%s", Device="%s", DeviceId="%s", Version="%s"`,
		AppName, AppName, AppName, c.version)
}

// Authenticate performs username/password authentication and replaces the
// shared access token on success.
func (c *Client) Authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"Username": c.username,
		"Pw":       c.password,
	})
	if err != nil {
		return fmt.Errorf("marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/Users/AuthenticateByName", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emby-Authorization", c.authHeader())

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return &StatusError{Op: "authenticate", Code: res.StatusCode}
	}

	var auth struct {
		User struct {
			ID string `json:"Id"`
		} `json:"User"`
		AccessToken string `json:"AccessToken"`
	}
	if err := json.NewDecoder(res.Body).Decode(&auth); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if auth.AccessToken == "" {
		return fmt.Errorf("authenticate: upstream returned empty access token")
	}

	c.mu.Lock()
	c.token = auth.AccessToken
	c.userID = auth.User.ID
	c.mu.Unlock()

	c.logger.Info().
		Str(log.FieldEvent, "upstream.authenticated").
		Str("user_id", auth.User.ID).
		Msg("authenticated with upstream server")
	return nil
}

// reauthenticate collapses concurrent refresh attempts into one.
// Multiple in-flight requests hitting 401 at the same time trigger a single
// upstream authentication; all of them observe its outcome.
func (c *Client) reauthenticate(ctx context.Context) error {
	_, err, _ := c.refresh.Do("auth", func() (any, error) {
		err := c.Authenticate(ctx)
		if err != nil {
			metrics.IncUpstreamReauth("failure")
			return nil, err
		}
		metrics.IncUpstreamReauth("success")
		return nil, nil
	})
	return err
}

// do executes op with the current token. On an authorization failure it
// re-authenticates once and retries exactly once; a second failure is
// propagated so a persistently down upstream cannot cause a retry loop.
func (c *Client) do(ctx context.Context, op string, build func(token string) (*http.Request, error)) (*http.Response, error) {
	return c.doWith(ctx, c.http, op, build)
}

func (c *Client) doWith(ctx context.Context, client *http.Client, op string, build func(token string) (*http.Request, error)) (*http.Response, error) {
	res, err := c.attempt(client, build)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !IsAuthStatus(res.StatusCode) {
		return res, nil
	}

	// Token rejected: drain and retry once with fresh credentials.
	drain(res)
	c.logger.Warn().
		Str(log.FieldEvent, "upstream.reauth").
		Str("op", op).
		Int("status", res.StatusCode).
		Msg("upstream rejected token, re-authenticating")

	if err := c.reauthenticate(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
	}

	res, err = c.attempt(client, build)
	if err != nil {
		return nil, fmt.Errorf("%s (retry): %w", op, err)
	}
	if IsAuthStatus(res.StatusCode) {
		drain(res)
		return nil, fmt.Errorf("%s (retry): %w", op, ErrUnauthorized)
	}
	return res, nil
}

func (c *Client) attempt(client *http.Client, build func(token string) (*http.Request, error)) (*http.Response, error) {
	req, err := build(c.Token())
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", AppName+"/"+c.version)
	return client.Do(req)
}

// apiGet performs an authenticated GET and decodes the JSON response into v.
func (c *Client) apiGet(ctx context.Context, op, url string, v any) error {
	res, err := c.do(ctx, op, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Emby-Token", token)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return &StatusError{Op: op, Code: res.StatusCode}
	}
	return json.NewDecoder(res.Body).Decode(v)
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	_ = res.Body.Close()
}
