// Package ratelimit throttles unauthenticated endpoints per client address.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxEntries = 10000

// IPRateLimiter keeps a token bucket per client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[netip.Addr]*limiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	trusted  []netip.Prefix
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPRateLimiter allows r requests per second with burst b per address.
// Forwarding headers are honoured only from trustedProxies (IPs or CIDRs);
// with none configured every peer is trusted. Entries idle longer than idle
// are dropped by Run.
func NewIPRateLimiter(r rate.Limit, b int, idle time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[netip.Addr]*limiterEntry),
		rate:     r,
		burst:    b,
		idle:     idle,
		now:      time.Now,
	}
	for _, p := range trustedProxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			l.trusted = append(l.trusted, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			l.trusted = append(l.trusted, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return l
}

// Run evicts idle entries until ctx is cancelled.
func (l *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *IPRateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for addr, e := range l.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(l.limiters, addr)
		}
	}
}

func (l *IPRateLimiter) limiter(addr netip.Addr) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[addr]
	if !ok {
		if len(l.limiters) >= maxEntries {
			l.evictOldest()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[addr] = e
	}
	e.lastAccess = now
	return e.limiter
}

func (l *IPRateLimiter) evictOldest() {
	var (
		oldest netip.Addr
		at     time.Time
	)
	for addr, e := range l.limiters {
		if !oldest.IsValid() || e.lastAccess.Before(at) {
			oldest, at = addr, e.lastAccess
		}
	}
	delete(l.limiters, oldest)
}

// Middleware answers 429 with a Retry-After hint once an address runs dry.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := l.limiter(l.clientAddr(r))
			now := l.now()
			res := lim.ReserveN(now, 1)
			if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
				res.CancelAt(now)
				secs := 1
				if res.OK() {
					secs = int(math.Ceil(delay.Seconds()))
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) clientAddr(r *http.Request) netip.Addr {
	remote := parseAddr(r.RemoteAddr)
	if !l.fromTrustedProxy(remote) {
		return remote
	}
	// Leftmost X-Forwarded-For entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap()
	}
	return remote
}

func (l *IPRateLimiter) fromTrustedProxy(remote netip.Addr) bool {
	if len(l.trusted) == 0 {
		return true
	}
	for _, p := range l.trusted {
		if p.Contains(remote) {
			return true
		}
	}
	return false
}

func parseAddr(addr string) netip.Addr {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap()
	}
	a, _ := netip.ParseAddr(addr)
	return a.Unmap()
}
