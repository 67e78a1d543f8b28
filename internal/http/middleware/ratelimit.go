// Package middleware contains the Gin middleware of the HTTP front door.
//
// This file implements a process-local token-bucket limiter (x/time/rate)
// with per-identity buckets and opportunistic eviction of idle buckets.
// Limits are edge-level abuse control and are not an authorization
// mechanism; with several instances each enforces its own budget.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

// KeyFunc maps a request to a bucket identity.
type KeyFunc func(*gin.Context) string

// KeyByAccountOrIP prefers the account recorded by SetAccount and falls back
// to the client IP.
func KeyByAccountOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if k, ok := AccountFrom(c); ok {
			return "account:" + strconv.FormatInt(k, 10)
		}
		return "ip:" + c.ClientIP()
	}
}

// KeyByTemplateAndIP gives every template its own bucket per client, so a
// burst of CHAT traffic cannot starve ACCOUNT heartbeats.
func KeyByTemplateAndIP() KeyFunc {
	return func(c *gin.Context) string {
		tmpl := strings.ToUpper(c.Param("template"))
		if tmpl == "" {
			tmpl = "-"
		}
		return tmpl + "|ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter, safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter replenishing rps tokens per second with
// the given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// getVisitor returns the bucket for key. Every 5000 lookups idle buckets
// are evicted first, so a stale bucket is replaced rather than refreshed.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over budget with 429 and a RateLimited envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.Header(ErrorCodeHeader, strconv.Itoa(int(protocol.RateLimited)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests,
			protocol.NewErrorResponse(protocol.Errorf(protocol.RateLimited, "rate limit exceeded"), 0))
	}
}
