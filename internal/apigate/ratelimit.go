package apigate

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"dividend-ingest/internal/ratebudget"
)

const slidingWindow = time.Hour

// Limiter tracks a sliding one-hour window of request timestamps per
// API key, matching spec.md §4.7's "drop timestamps older than
// now-1h, reject if len >= limit" rule. Shaped after
// anshu-kr21-distributed-task-queue's per-tenant RateLimiter, windowed
// instead of fixed-bucket.
type Limiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	limit int
	clock ratebudget.Clock
}

func NewLimiter(limit int, clock ratebudget.Clock) *Limiter {
	return &Limiter{hits: make(map[string][]time.Time), limit: limit, clock: clock}
}

// Allow reports whether key may proceed, along with the remaining
// quota and the unix-seconds reset time to surface in headers.
func (l *Limiter) Allow(key string) (admitted bool, remaining int, resetAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-slidingWindow)

	kept := l.hits[key][:0]
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.hits[key] = kept

	if len(kept) >= l.limit {
		reset := kept[0].Add(slidingWindow)
		return false, 0, reset.Unix()
	}

	l.hits[key] = append(l.hits[key], now)
	remaining = l.limit - len(l.hits[key])
	return true, remaining, now.Add(slidingWindow).Unix()
}

// RateLimit enforces Limiter per extracted API key. Must run after
// format validation has happened (or tolerate malformed keys being
// bucketed together, which is harmless since RequireAPIKey rejects
// them anyway when chained first).
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractKey(r)
			admitted, remaining, resetAt := l.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !admitted {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "per-key quota exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
