// Package ratelimit throttles the credential-checking endpoints per caller.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"weak"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	defaultRate  = rate.Limit(0.5)
	defaultBurst = 10
)

var requestsLimited = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokenidp_requests_rate_limited_total",
		Help: "Requests rejected by the per caller rate limit, by path.",
	},
	[]string{"path"},
)

// Middleware limits requests per caller with a token bucket. Callers are
// identified by remote IP. Limiters are held weakly, so idle callers cost
// nothing once collected.
type Middleware struct {
	// Rate is the sustained requests per second. Zero means defaultRate.
	Rate rate.Limit
	// Burst is how many requests may arrive at once. Zero means
	// defaultBurst.
	Burst int
	// Key identifies the caller. Defaults to RemoteIP.
	Key func(*http.Request) string

	initOnce sync.Once
	cache    sync.Map // caller -> weak.Pointer[rate.Limiter]
}

// Wrap rejects requests over the limit with 429, an OAuth style error body
// and a Retry-After hint.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.initOnce.Do(func() {
			if m.Rate == 0 {
				m.Rate = defaultRate
			}
			if m.Burst == 0 {
				m.Burst = defaultBurst
			}
			if m.Key == nil {
				m.Key = RemoteIP
			}
		})

		l := m.limiter(m.Key(r))
		if l.Allow() {
			next.ServeHTTP(w, r)
			return
		}

		requestsLimited.WithLabelValues(r.URL.Path).Inc()
		if m.Rate != rate.Inf && m.Rate > 0 {
			secs := math.Ceil(1 / float64(m.Rate))
			w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "slow_down",
			"error_description": "too many requests",
		})
	})
}

// RemoteIP is the host part of r.RemoteAddr, or all of it when there is no
// port, e.g. over a unix socket.
func RemoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (m *Middleware) limiter(key string) *rate.Limiter {
	for {
		if val, ok := m.cache.Load(key); ok {
			if l := val.(weak.Pointer[rate.Limiter]).Value(); l != nil {
				return l
			}
			m.cache.CompareAndDelete(key, val)
		}

		l := rate.NewLimiter(m.Rate, m.Burst)
		wp := weak.Make(l)
		if _, loaded := m.cache.LoadOrStore(key, wp); loaded {
			// lost the race, use the winner's
			continue
		}
		runtime.AddCleanup(l, func(k string) {
			m.cache.CompareAndDelete(k, wp)
		}, key)
		return l
	}
}
