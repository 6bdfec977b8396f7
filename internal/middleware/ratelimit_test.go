package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/tourdesk/booking-backend/internal/services"
)

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := services.NewMemoryRateLimiter(map[string]services.RateLimitRule{
		services.BucketSubmit: {Limit: 2, Window: time.Hour},
	})

	r := gin.New()
	r.POST("/submit", RateLimit(limiter, services.BucketSubmit), func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.POST("/open", RateLimit(limiter, "unlimited"), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, send("/submit", "10.0.0.1").Code)
	assert.Equal(t, http.StatusCreated, send("/submit", "10.0.0.1").Code)
	blocked := send("/submit", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "60", blocked.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, send("/submit", "10.0.0.2").Code)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send("/open", "10.0.0.1").Code)
	}
}
