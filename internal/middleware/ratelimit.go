// Package middleware provides HTTP middleware for the room server.
package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ConnLimiter rate limits websocket handshakes per remote address. Identity
// is not known before the upgrade, so the address is the only handle.
type ConnLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewConnLimiter creates a limiter allowing the given handshakes per minute
// from one address.
func NewConnLimiter(perMinute int) *ConnLimiter {
	return &ConnLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    max(perMinute/10, 5),
	}
}

// getLimiter returns the rate limiter for an address, creating one if needed
func (cl *ConnLimiter) getLimiter(addr string) *rate.Limiter {
	cl.mu.RLock()
	limiter, exists := cl.limiters[addr]
	cl.mu.RUnlock()

	if exists {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = cl.limiters[addr]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(cl.rate, cl.burst)
	cl.limiters[addr] = limiter
	return limiter
}

// Middleware returns an HTTP middleware that rate limits by remote address.
func (cl *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !cl.getLimiter(host).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded, please try again later"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops all per-address limiters. Call periodically on a long-lived
// server to bound memory.
func (cl *ConnLimiter) Cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.limiters = make(map[string]*rate.Limiter)
}
