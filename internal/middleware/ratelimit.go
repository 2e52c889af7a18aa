// Package middleware holds HTTP middleware shared by the server's routes.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter throttles chat submissions per client address with a token
// bucket. Turns are expensive (provider round-trips plus tool dispatches), so
// the front door caps how fast one client can start them.
type RateLimiter struct {
	mu            sync.Mutex
	clients       map[string]*bucket
	perMinute     int
	cleanupTicker *time.Ticker
	done          chan struct{}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per client.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		clients:       make(map[string]*bucket),
		perMinute:     perMinute,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Wrap enforces the limit before the wrapped handler runs. Rejections are
// JSON so API clients can parse them like any other error response.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded, retry later"}`))
			return
		}
		next(w, r)
	}
}

// Allow reports whether one more request from key fits its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = &bucket{tokens: rl.perMinute - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.perMinute))
	if refill > 0 {
		b.tokens = min(rl.perMinute, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Stop ends the background cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.done)
}

// cleanupLoop drops buckets idle for 10 minutes so the map stays bounded.
func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.clients {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientKey buckets by host so a client's ephemeral ports share one bucket.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
