package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"formdesk/pkg/metrics"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket per authenticated user, or per client IP
// for anonymous requests.
type RateLimiter struct {
	rps   float64
	burst int
	store sync.Map // map[string]*rate.Limiter
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{rps: rps, burst: burst}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := l.store.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := l.store.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.rps), l.burst))
	return v.(*rate.Limiter)
}

func requestKey(r *http.Request) string {
	if id := UserID(r.Context()); id != "" {
		return "sub:" + id
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// Limit must run after Auth so requests are keyed by user.
func (l *RateLimiter) Limit(next http.Handler) http.Handler {
	if l.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(requestKey(r)).Allow() {
			metrics.RateLimitRejected.WithLabelValues("http").Inc()
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"kind": "busy", "message": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
