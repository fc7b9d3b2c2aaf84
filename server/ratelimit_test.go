package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPLimiterEvictsStaleEntries(t *testing.T) {
	l := newIPLimiter(rate.Limit(5), 10)

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"))
	require.Len(t, l.limiters, 2)

	// Backdate one client past the eviction horizon and the sweep
	// clock past its interval, then let the next Allow sweep.
	l.mu.Lock()
	l.limiters["10.0.0.1"].lastSeen = time.Now().Add(-ipLimiterEviction - time.Minute)
	l.lastSweep = time.Now().Add(-ipLimiterSweepEvery - time.Second)
	l.mu.Unlock()

	require.True(t, l.Allow("10.0.0.3"))

	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotContains(t, l.limiters, "10.0.0.1")
	require.Contains(t, l.limiters, "10.0.0.2")
	require.Contains(t, l.limiters, "10.0.0.3")
}

func TestIPLimiterSweepThrottled(t *testing.T) {
	l := newIPLimiter(rate.Limit(5), 10)

	require.True(t, l.Allow("10.0.0.1"))

	// A stale entry survives Allow calls until the sweep interval has
	// elapsed since the last sweep.
	l.mu.Lock()
	l.limiters["10.0.0.1"].lastSeen = time.Now().Add(-ipLimiterEviction - time.Minute)
	l.mu.Unlock()

	require.True(t, l.Allow("10.0.0.2"))

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Contains(t, l.limiters, "10.0.0.1")
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/challenge", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	require.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.1")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
