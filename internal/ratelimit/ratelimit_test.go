package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(rpm, burst int) (*Limiter, *clock.Mock) {
	mock := clock.NewMock()
	return New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute}).WithClock(mock), mock
}

func TestLimiterAllow(t *testing.T) {
	limiter, mock := newTestLimiter(60, 5)

	for i := range 5 {
		assert.True(t, limiter.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("ip"), "request after burst")

	// 1 second = 1 token at 60/min
	mock.Add(time.Second)
	assert.True(t, limiter.Allow("ip"))
	assert.False(t, limiter.Allow("ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 3)

	for range 3 {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterCapsAtBurst(t *testing.T) {
	limiter, mock := newTestLimiter(600, 2)

	limiter.Allow("k")
	mock.Add(time.Hour)

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))
}

func TestLimiterEvictsIdleKeys(t *testing.T) {
	limiter, mock := newTestLimiter(60, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go limiter.Run(ctx)

	limiter.Allow("idle")
	require.Equal(t, 1, limiter.Len())

	// Ticks at 1m (not yet idle long enough), 2m, 3m
	for range 3 {
		mock.Add(time.Minute)
	}
	assert.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)

	r := gin.New()
	r.Use(limiter.Middleware(ByClientIP))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 300, cfg.RequestsPerMinute)
	assert.Equal(t, 40, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
