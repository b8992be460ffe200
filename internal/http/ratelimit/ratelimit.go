// Package ratelimit throttles DAV traffic per client address. Sync clients
// poll aggressively, so the budgets are generous; the limiter exists to blunt
// runaway retry loops, not to meter well-behaved traffic.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calserve/internal/metrics"
)

// Limits is the per-client token budget. IdleAfter is how long a client may
// stay quiet before its bucket is dropped; MaxClients bounds the table
// against address churn. Zero values for either pick a sane default.
type Limits struct {
	PerSecond  rate.Limit
	Burst      int
	IdleAfter  time.Duration
	MaxClients int
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client address. Buckets are created
// lazily and pruned when a new client arrives after the idle window.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limits  Limits
	proxies []*net.IPNet
	now     func() time.Time
}

// New builds a limiter. trustedProxies entries are CIDR blocks or bare
// addresses whose forwarding headers are believed; an empty list trusts every
// peer's headers, matching chi's RealIP posture for private deployments.
func New(limits Limits, trustedProxies []string) *Limiter {
	if limits.IdleAfter <= 0 {
		limits.IdleAfter = 10 * time.Minute
	}
	if limits.MaxClients <= 0 {
		limits.MaxClients = 10000
	}
	return &Limiter{
		clients: make(map[string]*client),
		limits:  limits,
		proxies: parseProxyList(trustedProxies),
		now:     time.Now,
	}
}

// Allow spends one token for addr.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.clients[addr]
	if !ok {
		l.pruneLocked(now)
		c = &client{bucket: rate.NewLimiter(l.limits.PerSecond, l.limits.Burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	return c.bucket.Allow()
}

// pruneLocked drops idle buckets; if the table is still full afterwards, the
// least recently seen client makes room.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.limits.IdleAfter)
	for addr, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
	if len(l.clients) < l.limits.MaxClients {
		return
	}
	var oldestAddr string
	var oldest time.Time
	for addr, c := range l.clients {
		if oldestAddr == "" || c.lastSeen.Before(oldest) {
			oldestAddr, oldest = addr, c.lastSeen
		}
	}
	if oldestAddr != "" {
		delete(l.clients, oldestAddr)
	}
}

// Middleware answers 429 once a client's budget is spent.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.clientAddr(r)) {
				metrics.ObserveRateLimited()
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr picks the address to meter. Forwarding headers are believed only
// when the direct peer is a trusted proxy.
func (l *Limiter) clientAddr(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if len(l.proxies) > 0 && !l.fromTrustedProxy(peer) {
		return peer.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

func (l *Limiter) fromTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, p := range l.proxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parseProxyList(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			out = append(out, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)})
		} else {
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
		}
	}
	return out
}

func peerIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
