package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP. Claimer routes are
// unauthenticated, so this is what bounds SAS guessing.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	entries   map[string]*limBucket
	lastSweep time.Time
	trusted   []netip.Prefix
	log       *slog.Logger
	now       func() time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when perSecond is not positive. A nil limiter
// lets everything through. X-Forwarded-For is only honoured on requests
// coming from one of the trusted proxies.
func NewRateLimiter(perSecond float64, burst int, trustedProxies []netip.Prefix, log *slog.Logger) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     10 * time.Minute,
		entries: make(map[string]*limBucket),
		trusted: trustedProxies,
		log:     log,
		now:     time.Now,
	}
}

// ParseTrustedProxies accepts addresses and CIDR prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (l *RateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweepLocked(now)
	}

	b := l.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// sweepLocked drops buckets idle for longer than the ttl. It runs at most
// once per ttl.
func (l *RateLimiter) sweepLocked(now time.Time) {
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	l.lastSweep = now
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.clientIP(r)
		if !l.allow(ip) {
			l.log.Warn("Rate limited claimer request", "ip", ip, "path", r.URL.Path)
			api.WriteError(w, l.log, interfaces.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys on the connection peer. Behind a trusted proxy it takes the
// right-most X-Forwarded-For entry that is not itself a trusted proxy, since
// everything left of it was written by the client.
func (l *RateLimiter) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !l.isTrusted(peer) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = addr.Unmap()
		if !l.isTrusted(client) {
			break
		}
	}
	return client.String()
}

func (l *RateLimiter) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range l.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
