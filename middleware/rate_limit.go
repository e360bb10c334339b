package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// window tracks requests from one key within the current window
type window struct {
	Count   int
	FirstAt time.Time
}

// RateLimiter is a fixed-window limiter keyed by user
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	maxRequests  int
	windowPeriod time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter
// maxRequests: requests allowed per key within the window
// windowPeriod: time window for counting requests
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:      make(map[string]*window),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		now:          time.Now,
	}
}

// StartCleanup periodically drops expired windows until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

// cleanup removes expired entries
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.FirstAt) > rl.windowPeriod {
			delete(rl.windows, key)
		}
	}
}

// Allow records a request for key. It returns whether the request is allowed,
// the requests remaining in the window and, when refused, how long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[key]

	// Check if window expired
	if !exists || now.Sub(w.FirstAt) > rl.windowPeriod {
		rl.windows[key] = &window{Count: 1, FirstAt: now}
		return true, rl.maxRequests - 1, 0
	}

	if w.Count >= rl.maxRequests {
		return false, 0, rl.windowPeriod - now.Sub(w.FirstAt)
	}
	w.Count++
	return true, rl.maxRequests - w.Count, 0
}

// SubscriptionRateLimitMiddleware limits subscription changes per user.
// Read requests pass through. Must run after JWTAuthMiddleware.
func SubscriptionRateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		key := c.GetString(ContextUserID)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		allowed, remaining, retryAfter := rl.Allow(key)

		// Set headers for client awareness
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": formatRateLimitError(seconds),
			})
			return
		}

		c.Next()
	}
}

func formatRateLimitError(seconds int) string {
	if seconds >= 60 {
		return fmt.Sprintf("Too many subscription changes. Try again in %d minute(s) %d second(s).", seconds/60, seconds%60)
	}
	return fmt.Sprintf("Too many subscription changes. Try again in %d second(s).", seconds)
}
