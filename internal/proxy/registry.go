// Package proxy implements capability-style stream bindings: a client
// exchanges an item id for an opaque random proxy id, and only that id can
// later open the upstream stream. Knowing an item id alone grants nothing.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jfbridge/jfbridge/internal/jellyfin"
	"github.com/jfbridge/jfbridge/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknownProxy is returned when a proxy id has no live binding.
var ErrUnknownProxy = errors.New("unknown proxy id")

var proxyIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidProxyID reports whether s has the shape of a generated proxy id.
// Anything else is rejected before the registry is consulted.
func ValidProxyID(s string) bool {
	return proxyIDPattern.MatchString(s)
}

// Binding maps a proxy id to the upstream item it grants access to.
type Binding struct {
	ID        string
	ItemID    string
	Options   *jellyfin.StreamOptions
	CreatedAt time.Time
}

// Registry holds live bindings. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. A ttl of zero means bindings live
// for the lifetime of the process.
func NewRegistry(ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
		ttl:      ttl,
		logger:   logger,
	}
}

// Create registers a new binding for itemID and returns it. Creating a
// binding never fails and never consults the upstream server: a dead item id
// surfaces as an upstream error at stream time, not at bind time.
func (r *Registry) Create(itemID string, opts *jellyfin.StreamOptions) *Binding {
	b := &Binding{
		ID:        newProxyID(),
		ItemID:    itemID,
		Options:   opts,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.bindings[b.ID] = b
	n := len(r.bindings)
	r.mu.Unlock()

	metrics.ProxyBindings.Set(float64(n))
	r.logger.Debug().
		Str("proxy_id", b.ID).
		Str("item_id", itemID).
		Msg("proxy binding created")
	return b
}

// Resolve returns the binding for id, or ErrUnknownProxy.
func (r *Registry) Resolve(id string) (*Binding, error) {
	r.mu.RLock()
	b, ok := r.bindings[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProxy, id)
	}
	return b, nil
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// StartSweeper removes expired bindings in the background until ctx ends.
// It is a no-op when the registry has no TTL configured.
func (r *Registry) StartSweeper(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	removed := 0
	for id, b := range r.bindings {
		if now.Sub(b.CreatedAt) > r.ttl {
			delete(r.bindings, id)
			removed++
		}
	}
	n := len(r.bindings)
	r.mu.Unlock()

	metrics.ProxyBindings.Set(float64(n))
	if removed > 0 {
		r.logger.Info().
			Int("removed", removed).
			Int("remaining", n).
			Msg("expired proxy bindings swept")
	}
}

// newProxyID returns 16 bytes of OS randomness as lowercase hex.
func newProxyID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("proxy id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
