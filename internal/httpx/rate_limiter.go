package httpx

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	sweepEvery  = 100
	sweepAtSize = 200
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Limit is the number of requests a client may make per Window.
	Limit  int
	Window time.Duration

	// TrustedProxies are the networks whose X-Forwarded-For entries are
	// believed. Without them the client is always RemoteAddr.
	TrustedProxies []netip.Prefix

	// OnLimited runs for every rejected request.
	OnLimited func(r *http.Request)
}

// RateLimiter is a fixed-window, in-memory limiter keyed by client IP.
// Expired windows are swept every sweepEvery requests or once more than
// sweepAtSize clients are tracked.
type RateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientWindow
	seen    int
	now     func() time.Time
}

type clientWindow struct {
	used    int
	resetAt time.Time
}

// NewRateLimiter creates a limiter from config.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Limit <= 0 {
		config.Limit = 1
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		config:  config,
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.seen++
	if rl.seen >= sweepEvery || len(rl.clients) > sweepAtSize {
		rl.sweep(now)
		rl.seen = 0
	}

	w, ok := rl.clients[client]
	if !ok || !now.Before(w.resetAt) {
		rl.clients[client] = &clientWindow{used: 1, resetAt: now.Add(rl.config.Window)}
		return true
	}
	if w.used >= rl.config.Limit {
		return false
	}
	w.used++
	return true
}

func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, client)
		}
	}
}

// Cleanup removes expired windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ClientIP(r, rl.config.TrustedProxies)) {
			if rl.config.OnLimited != nil {
				rl.config.OnLimited(r)
			}
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the address of the client behind r.
// X-Forwarded-For is only read when RemoteAddr is in trusted; the client is
// then the right-most hop that is not itself a trusted proxy.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	remote, ok := parseRemote(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !inAny(remote, trusted) {
		return remote.String()
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		hop = hop.Unmap()
		if !inAny(hop, trusted) {
			return hop.String()
		}
	}
	return remote.String()
}

// ParseTrustedProxies accepts IP addresses and CIDR prefixes.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func parseRemote(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

func inAny(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
