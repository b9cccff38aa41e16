// Package ratelimit throttles control API callers with per-key token buckets.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// bucket refills refillRate tokens per window, up to capacity.
type bucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

func (b *bucket) tryAcquire(now time.Time, rate int, window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now
	if elapsed := now.Sub(b.lastRefill); elapsed >= window {
		b.tokens += int(float64(rate) * (elapsed.Seconds() / window.Seconds()))
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Limiter allows Rate requests per Window for each key. A Limiter with a
// non-positive rate allows everything.
type Limiter struct {
	rate   int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(rate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{rate: rate, window: window, now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *Limiter) Enabled() bool { return l != nil && l.rate > 0 }

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{capacity: l.rate, tokens: l.rate, lastRefill: now}
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.tryAcquire(now, l.rate, l.window)
}

// Prune drops buckets unused since before and returns how many went.
func (l *Limiter) Prune(before time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(before)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Middleware rejects callers over their budget with 429, keyed by remote host.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds()+0.5)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
