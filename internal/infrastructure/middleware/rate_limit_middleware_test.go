package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callcore/internal/core/services"
	"callcore/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func rateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(cfg).PerIP())
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func limitedConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	return cfg
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := rateLimitedRouter(cfg)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/test").Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	router := rateLimitedRouter(limitedConfig())

	assert.Equal(t, http.StatusOK, get(router, "/test").Code)
	w := get(router, "/test")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHTTPRateLimitMiddleware_ForwardedClientsAreSeparate(t *testing.T) {
	router := rateLimitedRouter(limitedConfig())

	send := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("203.0.113.7"))
	assert.Equal(t, http.StatusOK, send("203.0.113.8"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7"))
}

func TestRateLimiter_PerTokenBucketsBySeat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := limitedConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1000
	cfg.RateLimiting.HTTP.Burst = 1000
	cfg.RateLimiting.HTTP.TokenRequestsPerSecond = 1
	cfg.RateLimiting.HTTP.TokenBurst = 2

	tokens := services.NewTokenService("rate-secret", time.Hour)
	limiter := NewRateLimiter(cfg)
	router := gin.New()
	router.Use(limiter.PerIP())
	api := router.Group("/api", AuthMiddleware(tokens), limiter.PerToken())
	api.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(token string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		return w.Code
	}

	alice, _, err := tokens.IssueRoomToken("room-1", "alice", "Alice")
	require.NoError(t, err)
	aliceAgain, _, err := tokens.IssueRoomToken("room-1", "alice", "Alice")
	require.NoError(t, err)
	bob, _, err := tokens.IssueRoomToken("room-1", "bob", "Bob")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, call(alice))
	assert.Equal(t, http.StatusOK, call(aliceAgain))
	assert.Equal(t, http.StatusTooManyRequests, call(alice), "a reissued token shares the seat's bucket")
	assert.Equal(t, http.StatusOK, call(bob), "other seats from the same IP are unaffected")
}

func TestLimiterStore_SweepsIdleBuckets(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := newLimiterStore(rate.Limit(1), 1, time.Minute)
	store.now = func() time.Time { return now }

	store.get("ip:a")
	store.get("ip:b")
	assert.Equal(t, 2, store.size())

	now = now.Add(30 * time.Second)
	store.get("ip:b")
	now = now.Add(45 * time.Second)
	store.get("ip:c")

	assert.Equal(t, 2, store.size(), "ip:a idled past the ttl")
	store.mu.Lock()
	_, kept := store.entries["ip:b"]
	store.mu.Unlock()
	assert.True(t, kept)
}
