package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit throttles the whole API to rps requests/sec with the given
// burst — a single shared limiter, not per-client, since rds-guard serves
// one operator console rather than public traffic. Grounded on the pack's
// per-client gin rate limiter, narrowed to one limiter since this process
// has no multi-tenant callers to distinguish.
func RateLimit(rps, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
