// Package ratelimit provides token-bucket rate limiting middleware for the Suraksha API.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "suraksha",
	Name:      "rate_limited_requests_total",
	Help:      "Requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle keys are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults. Keystroke capture posts one
// request per input change, so the burst is sized for fast typists.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 300,
		BurstSize:         40,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	mu      sync.Mutex
	clients map[string]*clientState
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter. Call Run to evict idle keys.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock.New(),
		clients: make(map[string]*clientState),
	}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(c clock.Clock) *Limiter {
	l.clock = c
	return l
}

// Run evicts idle keys every CleanupInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clock.Ticker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-2 * l.cfg.CleanupInterval)
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens = min(state.tokens+elapsed*tokensPerSecond, float64(l.cfg.BurstSize))
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware that rate limits by key
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			rejectedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
