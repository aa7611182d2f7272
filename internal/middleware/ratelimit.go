package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit (tokens added per second)
	RequestsPerSecond float64

	// BurstSize is the maximum number of requests allowed in a burst
	BurstSize int

	// CleanupInterval is how often to clean up expired buckets
	CleanupInterval time.Duration

	// BucketTTL is how long to keep idle buckets
	BucketTTL time.Duration

	// SkipPaths are paths exempt from rate limiting
	SkipPaths []string

	// KeyFunc extracts the rate limit key from a request (default: identity, then IP address)
	KeyFunc func(*http.Request) string

	// Costs charges requests whose path ends with a key more than one token
	Costs map[string]int
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		CleanupInterval:   time.Minute,
		BucketTTL:         5 * time.Minute,
		SkipPaths:         []string{"/health", "/healthz", "/ready", "/metrics"},
		KeyFunc:           defaultKeyFunc,
		Costs:             map[string]int{"/workflow/generate": 10},
	}
}

// defaultKeyFunc keys authenticated callers by identity and everyone else
// by client IP.
func defaultKeyFunc(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil && id.ID != auth.Anonymous().ID {
		return "user:" + id.ID
	}
	return clientIP(r)
}

// clientIP extracts the originating client address.
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For first (for proxied requests)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

// cleanup removes expired buckets periodically.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastSeen) > rl.config.BucketTTL {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Allow checks if a request should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.AllowN(key, 1)
}

// AllowN checks if a request costing n tokens should be allowed. A cost
// above the burst size is capped at the burst size.
func (rl *RateLimiter) AllowN(key string, n int) bool {
	if n > rl.config.BurstSize {
		n = rl.config.BurstSize
	}
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.AllowN(time.Now(), n)
}

// cost returns the number of tokens a request to path consumes.
func (rl *RateLimiter) cost(path string) int {
	for suffix, n := range rl.config.Costs {
		if n > 1 && strings.HasSuffix(path, suffix) {
			return n
		}
	}
	return 1
}

// Middleware returns an HTTP middleware that enforces rate limiting. A
// non-positive rate disables limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl.config.RequestsPerSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range rl.config.SkipPaths {
			if r.URL.Path == path || (strings.HasSuffix(path, "/") && strings.HasPrefix(r.URL.Path, path)) {
				next.ServeHTTP(w, r)
				return
			}
		}

		limit := fmt.Sprintf("%.0f", rl.config.RequestsPerSecond)
		w.Header().Set("X-RateLimit-Limit", limit)

		if !rl.AllowN(rl.config.KeyFunc(r), rl.cost(r.URL.Path)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Remaining", "0")
			RespondError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
