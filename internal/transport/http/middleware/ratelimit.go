package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"evalcycle/internal/transport/http/api"
)

// windowCounter counts calls per key in fixed windows.
type windowCounter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string]*windowHits
}

type windowHits struct {
	count int
	ends  time.Time
}

func newWindowCounter(limit int, window time.Duration) *windowCounter {
	return &windowCounter{limit: limit, window: window, now: time.Now, hits: map[string]*windowHits{}}
}

// take records one call for key and returns the calls left and the seconds until the
// window ends. ok is false once the key is over its limit.
func (c *windowCounter) take(key string) (left, resetSec int, ok bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.hits[key]
	if h == nil || !now.Before(h.ends) {
		for k, old := range c.hits {
			if !now.Before(old.ends) {
				delete(c.hits, k)
			}
		}
		h = &windowHits{ends: now.Add(c.window)}
		c.hits[key] = h
	}
	h.count++
	resetSec = int((h.ends.Sub(now) + time.Second - 1) / time.Second)
	return max(c.limit-h.count, 0), resetSec, h.count <= c.limit
}

func (c *windowCounter) middleware(match func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c.limit <= 0 || (match != nil && !match(r)) {
				next.ServeHTTP(w, r)
				return
			}
			key := callerKey(r)
			left, resetSec, ok := c.take(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(c.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSec))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(max(resetSec, 1)))
				slog.Warn("rate limit exceeded", "key", key, "method", r.Method, "path", r.URL.Path, "limit", c.limit)
				api.Fail(w, http.StatusTooManyRequests, "rate_limited", "too many requests", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit caps every call per authenticated user, or per client address before auth.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return newWindowCounter(limit, window).middleware(nil)
}

// SensitiveMutationRateLimit gives workflow writes a separate budget of half the base limit.
func SensitiveMutationRateLimit(baseLimit int, window time.Duration) func(http.Handler) http.Handler {
	return newWindowCounter(max(baseLimit/2, 1), window).middleware(workflowWrite)
}

func callerKey(r *http.Request) string {
	if user, ok := GetUser(r.Context()); ok && user.UserID != "" {
		return "user:" + user.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// workflowWrite matches revision requests and responses, step status changes and
// submissions, and period phase changes and completion.
func workflowWrite(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1"), "/"), "/")
	if len(parts) < 2 || parts[0] != "evaluation" {
		return false
	}
	last := parts[len(parts)-1]
	switch parts[1] {
	case "revisions":
		return len(parts) == 2 || last == "respond"
	case "mappings":
		return len(parts) >= 5 && parts[3] == "steps"
	case "periods":
		return len(parts) == 4 && (last == "complete" || last == "phase")
	}
	return false
}
