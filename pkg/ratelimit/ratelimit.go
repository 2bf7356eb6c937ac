// Package ratelimit provides the admission-control gate placed in front of
// expensive or abusable endpoints. Each fingerprint gets a token bucket
// derived from a "N requests per period" configuration; idle buckets are
// evicted after a TTL so unique fingerprints can not grow memory without
// bound.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the admission settings for one protected surface.
type Config struct {
	// Requests is the number of admitted requests per Period (also the
	// burst capacity of the bucket).
	Requests int
	// Period is the refill window.
	Period time.Duration
}

// DefaultConfig is the conservative fallback applied when a configuration
// is missing or invalid. Limiting is never silently disabled.
var DefaultConfig = Config{
	Requests: 30,
	Period:   time.Minute,
}

func (c Config) validate() Config {
	if c.Requests <= 0 || c.Period <= 0 {
		return DefaultConfig
	}
	return c
}

// RateLimitedError is returned when a request is rejected without
// consuming a token.
type RateLimitedError struct {
	Key     string `json:"-"`
	Type    string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (e *RateLimitedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limit exceeded for %q: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("rate limit exceeded for %q", e.Key)
}

// ErrorTypeTooManyRequests is the error value written to clients on
// rejection.
const ErrorTypeTooManyRequests = "Too many requests"

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keys token buckets by request fingerprint.
type Limiter struct {
	config Config
	ttl    time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its eviction janitor.
// Invalid configuration falls back to DefaultConfig.
func New(config Config) *Limiter {
	config = config.validate()
	l := &Limiter{
		config:  config,
		ttl:     bucketTTL(config.Period),
		clock:   time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// bucketTTL keeps a bucket around long enough that an evicted-and-recreated
// bucket can never admit more than a full burst early.
func bucketTTL(period time.Duration) time.Duration {
	ttl := 3 * period
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Check consumes one token for key, or rejects without consuming.
// It is safe for concurrent use: of N simultaneous requests at the
// boundary, exactly as many succeed as there are tokens left.
func (l *Limiter) Check(key string) error {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(l.config.Period/time.Duration(l.config.Requests)), l.config.Requests),
		}
		l.buckets[key] = b
	}
	b.lastSeen = l.clock()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return &RateLimitedError{
			Key:  key,
			Type: ErrorTypeTooManyRequests,
		}
	}
	return nil
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the eviction janitor.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	deadline := l.clock().Add(-l.ttl)
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(deadline) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}
