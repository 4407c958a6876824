package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// DefaultRateLimitConfig returns production-ready rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
	}
}

// clientIdleTTL bounds how long an idle client keeps its limiter.
const clientIdleTTL = 3 * time.Minute

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientTable tracks one limiter per client, evicting clients not seen
// within the TTL so the table stays bounded.
type clientTable struct {
	mu        sync.Mutex
	ttl       time.Duration
	clients   map[string]*rateClient
	lastSweep time.Time
}

func newClientTable(ttl time.Duration) *clientTable {
	return &clientTable{ttl: ttl, clients: make(map[string]*rateClient)}
}

// limiter returns ip's limiter, creating it on first sight and refreshing
// its last-seen time. Stale clients are swept at most once per TTL.
func (t *clientTable) limiter(ip string, now time.Time, cfg RateLimitConfig) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) >= t.ttl {
		for addr, cl := range t.clients {
			if now.Sub(cl.lastSeen) >= t.ttl {
				delete(t.clients, addr)
			}
		}
		t.lastSweep = now
	}

	cl, ok := t.clients[ip]
	if !ok {
		cl = &rateClient{
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		}
		t.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimit creates a per-IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	table := newClientTable(clientIdleTTL)

	return func(c *gin.Context) {
		limiter := table.limiter(c.ClientIP(), time.Now(), cfg)
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GlobalRateLimit creates a global rate limiting middleware.
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
