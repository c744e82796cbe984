package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Identity is the client fingerprint presented on one request
type Identity struct {
	UserAgent string
	Proxy     *url.URL
}

// IdentityPool rotates user agents and outbound proxies. Each proxy gets its
// own cached http.Transport so connection pools are not shared across
// identities.
type IdentityPool struct {
	mu        sync.Mutex
	agents    []string
	proxies   []*url.URL
	agent     int
	proxy     int
	rotations int

	maxIdle    int
	transports map[string]*http.Transport
}

// NewIdentityPool validates the proxy list and builds a pool. An empty agent
// list is rejected because every request must carry a user agent.
func NewIdentityPool(agents, proxies []string, maxIdleConns int) (*IdentityPool, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("identity pool needs at least one user agent")
	}
	p := &IdentityPool{
		agents:     append([]string(nil), agents...),
		agent:      rand.Intn(len(agents)),
		maxIdle:    maxIdleConns,
		transports: make(map[string]*http.Transport),
	}
	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", raw)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		p.proxies = append(p.proxies, u)
	}
	return p, nil
}

// Current returns the identity in use
func (p *IdentityPool) Current() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *IdentityPool) currentLocked() Identity {
	id := Identity{UserAgent: p.agents[p.agent]}
	if len(p.proxies) > 0 {
		id.Proxy = p.proxies[p.proxy]
	}
	return id
}

// Rotate switches to a different user agent and advances to the next proxy
func (p *IdentityPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.agents) > 1 {
		next := rand.Intn(len(p.agents) - 1)
		if next >= p.agent {
			next++
		}
		p.agent = next
	}
	if len(p.proxies) > 0 {
		p.proxy = (p.proxy + 1) % len(p.proxies)
	}
	p.rotations++
}

// RandomAgent picks any user agent without rotating the pool, used for media
// requests that each present a fresh agent.
func (p *IdentityPool) RandomAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[rand.Intn(len(p.agents))]
}

// Rotations reports how many rotations happened
func (p *IdentityPool) Rotations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations
}

// RoundTripper returns the transport bound to the current proxy
func (p *IdentityPool) RoundTripper() (http.RoundTripper, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.currentLocked()
	key := "direct"
	if id.Proxy != nil {
		key = id.Proxy.String()
	}
	if t, ok := p.transports[key]; ok {
		return t, nil
	}

	t := &http.Transport{
		MaxIdleConns:        p.maxIdle,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	switch {
	case id.Proxy == nil:
		t.Proxy = http.ProxyFromEnvironment
		t.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	case id.Proxy.Scheme == "socks5" || id.Proxy.Scheme == "socks5h":
		dialer, err := proxy.FromURL(id.Proxy, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		t.Proxy = http.ProxyURL(id.Proxy)
	}
	p.transports[key] = t
	return t, nil
}

// Close drops idle connections of every cached transport
func (p *IdentityPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
