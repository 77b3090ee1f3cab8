package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jacktea/blockgw/pkg/metrics"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order; the first one sees the request first.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or Bearer token.
// It returns nil when key is empty.
func APIKeyAuth(key string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if extractAPIKey(r) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RateLimitOptions configures request rate limiting.
type RateLimitOptions struct {
	// Requests per Window; also the burst size.
	Requests int
	Window   time.Duration
	// PerClient gives every remote address its own limiter.
	PerClient bool
	// MaxClients bounds the tracked addresses when PerClient is set.
	MaxClients int
	Now        func() time.Time
}

// RateLimit rejects requests over the configured rate with 429. It returns
// nil when the options disable limiting.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	every := rate.Every(opts.Window / time.Duration(opts.Requests))
	newLimiter := func() *rate.Limiter {
		l := rate.NewLimiter(every, opts.Requests)
		// Start the bucket at the injected clock rather than the zero time.
		l.AllowN(now(), 0)
		return l
	}

	var limiterFor func(r *http.Request) *rate.Limiter
	if opts.PerClient {
		size := opts.MaxClients
		if size <= 0 {
			size = 4096
		}
		clients := expirable.NewLRU[string, *rate.Limiter](size, nil, 10*opts.Window)
		limiterFor = func(r *http.Request) *rate.Limiter {
			addr := clientAddr(r)
			if l, ok := clients.Get(addr); ok {
				return l
			}
			l := newLimiter()
			clients.Add(addr, l)
			return l
		}
	} else {
		shared := newLimiter()
		limiterFor = func(*http.Request) *rate.Limiter { return shared }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(r).AllowN(now(), 1) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AccessLog logs one line per request and feeds the response metrics.
func AccessLog(logger zerolog.Logger, m *metrics.Metrics) HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.ObserveResponse(rec.status, rec.bytes)

			ev := logger.Debug()
			if rec.status >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", clientAddr(r)).
				Int("status", rec.status).
				Int64("bytes", rec.bytes).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
