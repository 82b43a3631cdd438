package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateLimitConfig struct {
	// RequestsPerMinute is the sustained rate per client IP.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate.
	BurstSize int
}

var defaultRateLimit = rateLimitConfig{RequestsPerMinute: 120, BurstSize: 20}

// rateLimiter is a per-client token bucket.
type rateLimiter struct {
	cfg rateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(cfg rateLimitConfig) *rateLimiter {
	return &rateLimiter{cfg: cfg, now: time.Now, clients: make(map[string]*bucket)}
}

// Allow takes a token from key's bucket.
func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens = min(b.tokens+elapsed*float64(l.cfg.RequestsPerMinute)/60, float64(l.cfg.BurstSize))
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Cleanup drops idle buckets every interval until ctx ends.
func (l *rateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(l.now().Add(-2 * time.Minute))
		}
	}
}

func (l *rateLimiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Middleware rate limits by client IP.
func (l *rateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
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
