package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lalithlochan/bulletin/internal/redis"
)

type fakeLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (*redis.RateLimitResult, error) {
	f.keys = append(f.keys, key)
	return f.result, f.err
}

func TestOperatorKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		remoteAddr string
		expected   string
	}{
		{"from header", "ops-1", "5.6.7.8:1234", "operator:ops-1"},
		{"ip fallback", "", "5.6.7.8:1234", "ip:5.6.7.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Operator-ID", tt.header)
			}
			req.RemoteAddr = tt.remoteAddr

			result := OperatorKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"host and port", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"rewritten by RealIP", "1.2.3.4", "ip:1.2.3.4"},
		{"ipv6", "[2001:db8::1]:443", "ip:2001:db8::1"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := RateLimitMiddleware(nil, nil, IPKeyFunc)
	wrapped := middleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	reset := time.Now().Add(30 * time.Second)

	tests := []struct {
		name     string
		limiter  *fakeLimiter
		expected int
	}{
		{"allowed", &fakeLimiter{result: &redis.RateLimitResult{Allowed: true, Remaining: 9, ResetAt: reset}}, http.StatusOK},
		{"rejected", &fakeLimiter{result: &redis.RateLimitResult{Allowed: false, ResetAt: reset}}, http.StatusTooManyRequests},
		{"limiter error fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RateLimitMiddleware(tt.limiter, nopLogger(), IPKeyFunc)(ok)

			req := httptest.NewRequest("GET", "/v1/jobs", nil)
			req.RemoteAddr = "9.9.9.9:1000"
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rec.Code)
			}
			if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "ip:9.9.9.9" {
				t.Errorf("unexpected limiter keys %v", tt.limiter.keys)
			}
			if tt.expected == http.StatusTooManyRequests {
				if rec.Header().Get("Retry-After") == "" {
					t.Error("expected Retry-After header")
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("content type = %s", ct)
				}
			}
		})
	}
}
