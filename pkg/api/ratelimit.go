package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// keyRateLimiter keeps one token bucket per key. Keys are client IPs for the
// general limit and session IDs for the switch limit; stale buckets are
// negligible at those cardinalities, so nothing is evicted.
type keyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newKeyRateLimiter(limit rate.Limit, burst int) *keyRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &keyRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// perSecond converts a requests-per-second figure into a rate.Limit.
func perSecond(n float64) rate.Limit { return rate.Limit(n) }

// perMinute converts a requests-per-minute figure into a rate.Limit. Callers
// usually size the burst to the full minute allowance.
func perMinute(n float64) rate.Limit { return rate.Limit(n / 60) }

func (k *keyRateLimiter) allow(key string) bool {
	k.mu.Lock()
	lim, ok := k.limiters[key]
	if !ok {
		lim = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = lim
	}
	k.mu.Unlock()
	return lim.Allow()
}

// generalRateLimit throttles the REST surface per client IP.
func (s *Server) generalRateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.generalLimiter.allow(clientIP(c.Request())) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop so replicas behind a load
// balancer rate limit the caller, not the balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
