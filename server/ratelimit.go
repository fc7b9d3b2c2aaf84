package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-client-IP token bucket to the public
// endpoints. Eviction is lazy: stale entries are swept during Allow,
// so the limiter needs no background goroutine and the map stays
// bounded under scanning traffic.
type ipLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	ipLimiterEviction   = 10 * time.Minute
	ipLimiterSweepEvery = time.Minute
)

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters:  make(map[string]*ipLimiterEntry),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > ipLimiterSweepEvery {
		for k, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > ipLimiterEviction {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// Middleware rejects over-limit requests with 429 before they reach
// the handler.
func (l *ipLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the originating client address, trusting the
// leftmost X-Forwarded-For entry when a proxy set one.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
