package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tourdesk/booking-backend/internal/services"
)

// RateLimit admits requests per client IP for bucket.
func RateLimit(limiter services.RateLimiter, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow(c.Request.Context(), bucket, c.ClientIP()) {
			c.Header("Retry-After", "60")
			abort(c, http.StatusTooManyRequests, "Too many requests, please try again later")
			return
		}
		c.Next()
	}
}
