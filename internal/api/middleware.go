package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/bulletin/internal/metrics"
	"github.com/lalithlochan/bulletin/internal/redis"
)

// Limiter is satisfied by *redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// KeyFunc picks the rate limit bucket for a request. An empty key skips
// limiting.
type KeyFunc func(*http.Request) string

// RateLimitMiddleware rejects requests over the limit with a problem+json
// 429. A nil limiter disables it and limiter errors let the request through.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.String("key", key),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitRejection("api")
			wait := max(int(time.Until(result.ResetAt).Seconds()), 1)
			h.Set("Retry-After", strconv.Itoa(wait))
			writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded, retry after "+strconv.Itoa(wait)+"s")
		})
	}
}

// OperatorKeyFunc buckets by the X-Operator-ID header, falling back to the
// client IP.
func OperatorKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Operator-ID"); id != "" {
		return "operator:" + id
	}
	return IPKeyFunc(r)
}

// IPKeyFunc buckets by client address. RemoteAddr is expected to have been
// rewritten by middleware.RealIP.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "ip:" + host
}
