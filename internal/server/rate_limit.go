package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type rateLimiterEntry struct {
	limiter *rate.Limiter
	expires time.Time
}

// userRateLimiter applies a token bucket per authenticated user. A zero per-minute
// budget disables limiting. Idle buckets are swept at most once per limiterIdleTTL.
type userRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	limit     rate.Limit
	burst     int
	enabled   bool
	now       func() time.Time
	nextSweep time.Time
}

func newUserRateLimiter(perMinute int, now func() time.Time) *userRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &userRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:    max(perMinute/2, 1),
		enabled:  perMinute > 0,
		now:      now,
	}
}

func (l *userRateLimiter) middleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.enabled {
			c.Next()
			return
		}
		userID := c.GetString(userIDContextKey)
		if userID == "" {
			userID = c.ClientIP()
		}
		if !l.allow(userID) {
			logger.Debug("rate limit exceeded", zap.String("user_id", userID))
			c.Header("Retry-After", retryAfterSeconds)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

func (l *userRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !now.Before(l.nextSweep) {
		l.sweep(now)
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.expires = now.Add(limiterIdleTTL)
	return entry.limiter.AllowN(now, 1)
}

func (l *userRateLimiter) sweep(now time.Time) {
	for candidate, entry := range l.limiters {
		if now.After(entry.expires) {
			delete(l.limiters, candidate)
		}
	}
	l.nextSweep = now.Add(limiterIdleTTL)
}
