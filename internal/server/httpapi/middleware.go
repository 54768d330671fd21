package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// middleware wraps a handler.
type middleware func(http.Handler) http.Handler

// chain applies middlewares outermost-first.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// openPaths skip authentication and rate limiting.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware enforces bearer auth with a constant-time comparison.
// An empty key disables auth (development mode).
func authMiddleware(apiKey string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, r, gateway.Errorf(gateway.KindUnauthenticated, "missing or invalid credentials"), time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	perMin   int
	lastSeen map[string]time.Time
}

func newIPLimiter(perMin int) *ipLimiter {
	return &ipLimiter{
		buckets:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		perMin:   perMin,
	}
}

func (l *ipLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.buckets[ip] = lim
	}
	l.lastSeen[ip] = time.Now()
	if len(l.buckets) > 4096 {
		l.evictStale()
	}
	return lim
}

// evictStale drops buckets idle for over an hour; callers hold the lock.
func (l *ipLimiter) evictStale() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, ip)
			delete(l.lastSeen, ip)
		}
	}
}

// rateLimitMiddleware applies a per-IP token bucket.
func rateLimitMiddleware(perMin int) middleware {
	limiter := newIPLimiter(perMin)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMin <= 0 || openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if !limiter.limiter(ip).Allow() {
				writeError(w, r, gateway.Errorf(gateway.KindRateLimited, "rate limit exceeded"), time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// timeoutMiddleware bounds the whole request.
func timeoutMiddleware(d time.Duration) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recoveryMiddleware converts handler panics into 500s.
func recoveryMiddleware(logger logging.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic serving %s: %v", r.URL.Path, rec)
					writeError(w, r, gateway.Errorf(gateway.KindInternal, "internal error"), time.Now())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
