package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ClientLimiters hands out one token bucket per client key. A bucket that
// sees no traffic for the idle period is evicted, and the client starts over
// with a full bucket.
type ClientLimiters struct {
	mu      sync.Mutex
	buckets *cache.Cache
	r       rate.Limit
	b       int
}

// NewClientLimiters creates buckets of rate r and burst b that expire after idle.
func NewClientLimiters(r rate.Limit, b int, idle time.Duration) *ClientLimiters {
	return &ClientLimiters{
		buckets: cache.New(idle, idle),
		r:       r,
		b:       b,
	}
}

// Limiter returns the bucket for key and extends its lifetime.
func (l *ClientLimiters) Limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.lookup(key)
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
	}
	l.buckets.SetDefault(key, limiter)
	return limiter
}

func (l *ClientLimiters) lookup(key string) (*rate.Limiter, bool) {
	v, found := l.buckets.Get(key)
	if !found {
		return nil, false
	}
	return v.(*rate.Limiter), true
}

// RateLimiter limits each client IP to r requests per second with burst b.
func RateLimiter(r rate.Limit, b int, idle time.Duration) gin.HandlerFunc {
	limiters := NewClientLimiters(r, b, idle)
	return func(c *gin.Context) {
		if !limiters.Limiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
