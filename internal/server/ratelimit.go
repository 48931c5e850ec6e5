package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	// Rate is the sustained requests per second per client.
	Rate float64
	// Burst is the number of requests a client may make at once.
	Burst int
	// BlockAfter is the number of consecutive authentication failures
	// after which a client is blocked.
	BlockAfter int
	// BlockTime is the first block duration; it doubles with every
	// further BlockAfter failures, up to a day.
	BlockTime time.Duration
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:       10,
		Burst:      20,
		BlockAfter: 10,
		BlockTime:  5 * time.Minute,
	}
}

const maxBlock = 24 * time.Hour

// rateLimiter keeps one token bucket per client IP and blocks clients that
// keep failing authentication.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	now    func() time.Time

	limiters map[string]*rate.Limiter
	failures map[string]int
	blocked  map[string]time.Time
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	def := DefaultRateLimitConfig()
	if config.Rate <= 0 {
		config.Rate = def.Rate
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.BlockAfter <= 0 {
		config.BlockAfter = def.BlockAfter
	}
	if config.BlockTime <= 0 {
		config.BlockTime = def.BlockTime
	}
	return &rateLimiter{
		config:   config,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

// allow reports whether ip may make a request now, and if not, when it may
// retry.
func (rl *rateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if until, ok := rl.blocked[ip]; ok {
		if now.Before(until) {
			return false, until.Sub(now)
		}
		delete(rl.blocked, ip)
	}

	lim, ok := rl.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst)
		rl.limiters[ip] = lim
	}
	res := lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// recordFailure counts an authentication failure and blocks the client
// with exponential backoff once the threshold is reached.
func (rl *rateLimiter) recordFailure(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failures[ip]++
	n := rl.failures[ip]
	if n < rl.config.BlockAfter {
		return 0
	}
	blocks := (n - rl.config.BlockAfter) / rl.config.BlockAfter
	d := rl.config.BlockTime
	for i := 0; i < blocks && d < maxBlock; i++ {
		d *= 2
	}
	if d > maxBlock {
		d = maxBlock
	}
	rl.blocked[ip] = rl.now().Add(d)
	return d
}

func (rl *rateLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
	delete(rl.blocked, ip)
}

// cleanup drops state for clients whose bucket is full again and that are
// not blocked.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, until := range rl.blocked {
		if now.After(until) {
			delete(rl.blocked, ip)
		}
	}
	for ip, lim := range rl.limiters {
		if _, blocked := rl.blocked[ip]; blocked {
			continue
		}
		if lim.TokensAt(now) >= float64(rl.config.Burst) {
			delete(rl.limiters, ip)
			delete(rl.failures, ip)
		}
	}
}

// middleware rejects requests over the limit with 429 and Retry-After.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := rl.allow(clientIP(r))
		if !ok {
			secs := int(retry.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For entry, then X-Real-IP, then
// the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
