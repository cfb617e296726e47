// Package proxyconf implements ProxyConfiguration: a rotating pool of
// upstream proxy URLs handed out per session, so a session's requests keep
// exiting through the same proxy until the proxy is marked unhealthy.
package proxyconf

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoHealthyProxies is returned when every configured proxy has been
// marked unhealthy.
var ErrNoHealthyProxies = errors.New("proxyconf: no healthy proxies available")

// Rotation strategies.
const (
	RotationRoundRobin = "round_robin"
	RotationRandom     = "random"
)

// ProxyConfiguration is the external interface CrawlerRuntime consults for a
// proxy URL, optionally sticky to a session.
type ProxyConfiguration interface {
	NewURL(sessionID string) (*url.URL, error)
	MarkFailed(proxyURL *url.URL, err error)
}

type entry struct {
	url     *url.URL
	mu      sync.Mutex
	healthy bool
	lastErr error
}

// Pool rotates across a fixed list of proxy URLs and remembers, per
// session, which proxy it last handed out.
type Pool struct {
	rotation string
	proxies  []*entry
	index    atomic.Int64

	mu      sync.RWMutex
	sticky  map[string]*entry
	logger  *slog.Logger
}

// Options configures a Pool.
type Options struct {
	URLs     []string
	Rotation string // "round_robin" (default) or "random"
	Logger   *slog.Logger
}

// New builds a Pool from a list of raw proxy URLs.
func New(opts Options) (*Pool, error) {
	if len(opts.URLs) == 0 {
		return nil, errors.New("proxyconf: at least one proxy URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	rotation := opts.Rotation
	if rotation == "" {
		rotation = RotationRoundRobin
	}

	p := &Pool{
		rotation: rotation,
		sticky:   make(map[string]*entry),
		logger:   logger.With("component", "proxyconf"),
	}

	for _, raw := range opts.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxyconf: invalid proxy URL %q: %w", raw, err)
		}
		p.proxies = append(p.proxies, &entry{url: u, healthy: true})
	}

	p.logger.Info("proxy pool initialized", "count", len(p.proxies), "rotation", rotation)
	return p, nil
}

// NewURL returns a proxy URL for sessionID. A non-empty sessionID always
// gets the same healthy proxy across calls until that proxy is marked
// failed, matching a session's need for a stable exit IP.
func (p *Pool) NewURL(sessionID string) (*url.URL, error) {
	if sessionID != "" {
		if u, ok := p.stickyURL(sessionID); ok {
			return u, nil
		}
	}

	next, err := p.next()
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		p.mu.Lock()
		p.sticky[sessionID] = next
		p.mu.Unlock()
	}
	return next.url, nil
}

func (p *Pool) stickyURL(sessionID string) (*url.URL, bool) {
	p.mu.RLock()
	e, ok := p.sticky[sessionID]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	healthy := e.healthy
	e.mu.Unlock()
	if !healthy {
		p.mu.Lock()
		delete(p.sticky, sessionID)
		p.mu.Unlock()
		return nil, false
	}
	return e.url, true
}

func (p *Pool) next() (*entry, error) {
	healthy := p.healthyEntries()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyProxies
	}

	switch p.rotation {
	case RotationRandom:
		return healthy[rand.Intn(len(healthy))], nil
	default:
		idx := p.index.Add(1) % int64(len(healthy))
		return healthy[idx], nil
	}
}

func (p *Pool) healthyEntries() []*entry {
	out := make([]*entry, 0, len(p.proxies))
	for _, e := range p.proxies {
		e.mu.Lock()
		if e.healthy {
			out = append(out, e)
		}
		e.mu.Unlock()
	}
	return out
}

// MarkFailed marks the proxy behind proxyURL unhealthy, evicting it from
// rotation and from any session stickiness until HealthCheck clears it.
func (p *Pool) MarkFailed(proxyURL *url.URL, err error) {
	for _, e := range p.proxies {
		if e.url.String() != proxyURL.String() {
			continue
		}
		e.mu.Lock()
		e.healthy = false
		e.lastErr = err
		e.mu.Unlock()
		p.logger.Warn("proxy marked unhealthy", "proxy", proxyURL.Host, "error", err)
		return
	}
}

// HealthCheck probes every proxy and restores healthy status to those that
// respond successfully.
func (p *Pool) HealthCheck(probeURL string) {
	client := &http.Client{Timeout: 10 * time.Second}

	for _, e := range p.proxies {
		client.Transport = &http.Transport{Proxy: http.ProxyURL(e.url)}
		_, err := client.Get(probeURL)

		e.mu.Lock()
		if err != nil {
			e.healthy = false
			e.lastErr = err
		} else {
			e.healthy = true
			e.lastErr = nil
		}
		e.mu.Unlock()
	}
}

// HealthyCount returns how many proxies currently remain in rotation.
func (p *Pool) HealthyCount() int {
	return len(p.healthyEntries())
}
