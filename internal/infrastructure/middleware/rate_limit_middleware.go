package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"callcore/internal/core/services"
	"callcore/pkg/config"
	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const defaultLimiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per key. Buckets idle for longer
// than idleTTL are swept, at most once per idleTTL.
type limiterStore struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	rate      rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(r rate.Limit, burst int, idleTTL time.Duration) *limiterStore {
	if idleTTL <= 0 {
		idleTTL = defaultLimiterIdleTTL
	}
	return &limiterStore{
		entries: make(map[string]*limiterEntry),
		rate:    r,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) >= s.idleTTL {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RateLimiter applies a per-IP bucket to every route and a per-token bucket
// to authenticated routes.
type RateLimiter struct {
	enabled bool
	sem     chan struct{}
	byIP    *limiterStore
	byToken *limiterStore
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	h := cfg.RateLimiting.HTTP
	rl := &RateLimiter{enabled: cfg.RateLimiting.Enabled}
	if !rl.enabled {
		return rl
	}
	if h.MaxConcurrent > 0 {
		rl.sem = make(chan struct{}, h.MaxConcurrent)
	}
	rl.byIP = newLimiterStore(rate.Limit(h.RequestsPerSecond), h.Burst, h.IdleTTL)
	rl.byToken = newLimiterStore(rate.Limit(h.TokenRequestsPerSecond), h.TokenBurst, h.IdleTTL)
	return rl
}

// PerIP caps concurrent requests and applies the per-IP bucket.
func (rl *RateLimiter) PerIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.enabled {
			c.Next()
			return
		}
		if rl.sem != nil {
			select {
			case rl.sem <- struct{}{}:
				defer func() { <-rl.sem }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}
		if !allow(c, rl.byIP.get("ip:"+clientIP(c.Request))) {
			return
		}
		c.Next()
	}
}

// PerToken applies the per-token bucket. It must run after AuthMiddleware;
// requests without claims pass through.
func (rl *RateLimiter) PerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !rl.enabled || !ok {
			c.Next()
			return
		}
		if !allow(c, rl.byToken.get(tokenKey(claims))) {
			return
		}
		c.Next()
	}
}

// allow aborts with 429 and a Retry-After hint when the bucket is empty.
func allow(c *gin.Context, limiter *rate.Limiter) bool {
	if limiter.Allow() {
		return true
	}
	r := limiter.Reserve()
	wait := r.Delay()
	r.Cancel()
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	abortWith(c, errors.NewRateLimitError())
	return false
}

// tokenKey scopes participants to their room seat and services to their
// subject, so reissued tokens for the same seat share a bucket.
func tokenKey(claims *services.RoomClaims) string {
	if claims.Role == services.RoleParticipant {
		return "peer:" + string(claims.RoomID) + "/" + string(claims.PeerID)
	}
	return string(claims.Role) + ":" + claims.Subject
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// The first X-Forwarded-For hop is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
