package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter keeps a token bucket per client IP. Each bucket holds
// `limit` tokens and refills at limit per window.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows n requests per window per IP. It returns nil,
// meaning no limit, when n is not positive.
func newRateLimiter(n int, window time.Duration) *rateLimiter {
	if n <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(n) / window.Seconds()),
		burst:    n,
		window:   window,
		now:      time.Now,
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.allow(clientIP(r)); !ok {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", retryAfter(wait))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    "rate_limited",
				Message: "rate limit exceeded, try again later",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes a token for ip. When the bucket is empty it reports how long
// until the next token.
func (rl *rateLimiter) allow(ip string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	lim := v.limiter
	rl.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, rl.window
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// prune drops visitors idle for two windows. Their buckets are full again
// by then, so forgetting them changes nothing.
func (rl *rateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rl.window)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// run prunes every minute until done is closed.
func (rl *rateLimiter) run(done <-chan struct{}) {
	if rl == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

// retryAfter renders d as whole seconds, rounded up, at least 1.
func retryAfter(d time.Duration) string {
	secs := int(math.Ceil(d.Round(time.Millisecond).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
