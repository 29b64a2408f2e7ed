// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides keyed token-bucket admission control shared by
// the OAuth endpoints, sandbox submissions, and event publishers.
//
// Each key (client ID, user ID, or remote address) gets an independent
// continuously-refilled bucket. Acquire never fails; it reports how long the
// caller should wait before the request would be admitted.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitConfig defines the parameters of one bucket class.
type LimitConfig struct {
	// MaxRequests is the number of requests admitted per Window.
	MaxRequests int

	// Window is the refill window.
	Window time.Duration

	// Burst is the bucket capacity. Zero defaults to MaxRequests.
	Burst int
}

func (c LimitConfig) limit() rate.Limit {
	if c.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.MaxRequests) / c.Window.Seconds())
}

func (c LimitConfig) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	if c.MaxRequests > 0 {
		return c.MaxRequests
	}
	return 1
}

// Config configures a Limiter.
type Config struct {
	// Default is the bucket class applied to every key.
	Default LimitConfig

	// CleanupInterval is how often idle buckets are discarded.
	// Zero disables the cleanup goroutine.
	CleanupInterval time.Duration

	// IdleTTL is how long a bucket may sit unused before cleanup removes it.
	IdleTTL time.Duration
}

// DefaultConfig returns the limiter configuration used when none is supplied:
// 60 requests per minute with a burst of 10.
func DefaultConfig() Config {
	return Config{
		Default:         LimitConfig{MaxRequests: 60, Window: time.Minute, Burst: 10},
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         15 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a registry of per-key token buckets.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Limiter and starts its idle-bucket cleanup goroutine when
// configured.
func New(config Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		stopCh:  make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.config.IdleTTL {
			delete(l.buckets, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.config.Default.limit(), l.config.Default.burst())}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Acquire consumes one token from the bucket for key and returns how long the
// caller should wait before proceeding. Zero means admitted immediately.
func (l *Limiter) Acquire(key string) time.Duration {
	return l.bucketFor(key).Reserve().Delay()
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucketFor(key).Wait(ctx)
}

// AvailableTokens returns the whole tokens currently available for key.
func (l *Limiter) AvailableTokens(key string) int {
	tokens := l.bucketFor(key).Tokens()
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// KeyFunc extracts the bucket key for a request.
type KeyFunc func(r *http.Request) string

// RemoteAddrKey keys requests by their remote address.
func RemoteAddrKey(r *http.Request) string {
	return r.RemoteAddr
}

// Middleware returns an HTTP middleware that rejects requests whose bucket is
// empty with 429 and a Retry-After header, instead of holding the connection.
func (l *Limiter) Middleware(keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = RemoteAddrKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.bucketFor(keyFn(r)).Reserve()
			if wait := res.Delay(); wait > 0 {
				// Rejected requests give their token back.
				res.Cancel()
				seconds := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
