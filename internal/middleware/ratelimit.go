package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bucketIdleEviction is how long an untouched bucket survives. Eviction only
// bounds memory: a fresh bucket starts full, so dropping one never penalizes
// a client.
const bucketIdleEviction = 10 * time.Minute

// RateRule configures one token bucket family: Capacity tokens per bucket,
// refilled by Refill tokens every Window.
type RateRule struct {
	Prefix   string
	Capacity int
	Window   time.Duration
	Refill   int
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter implements per-path-prefix, per-client-IP token buckets with
// greedy window refill.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rules    []RateRule
	fallback RateRule
	skip     []string
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter. Requests whose path starts with a
// rule prefix use that rule (first match wins); everything else uses
// fallback. Paths under a skip prefix are never limited.
func NewRateLimiter(fallback RateRule, rules []RateRule, skipPrefixes []string) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rules:    rules,
		fallback: fallback,
		skip:     skipPrefixes,
		now:      time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) ruleFor(path string) RateRule {
	for _, rule := range rl.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule
		}
	}
	return rl.fallback
}

func (rl *RateLimiter) skipped(path string) bool {
	for _, prefix := range rl.skip {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// take consumes one token from the bucket for key, creating it full on first
// use. It returns whether a token was available, how many remain, and the
// time until the next refill.
func (rl *RateLimiter) take(key string, rule RateRule) (ok bool, remaining int, untilRefill time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rule.Capacity, lastRefill: now}
		rl.buckets[key] = b
	}

	// Greedy refill: whole windows only, Refill tokens apiece.
	if elapsed := now.Sub(b.lastRefill); elapsed >= rule.Window {
		steps := int(elapsed / rule.Window)
		b.tokens += steps * rule.Refill
		if b.tokens > rule.Capacity {
			b.tokens = rule.Capacity
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(steps) * rule.Window)
	}
	b.lastSeen = now

	untilRefill = b.lastRefill.Add(rule.Window).Sub(now)
	if b.tokens <= 0 {
		return false, 0, untilRefill
	}
	b.tokens--
	return true, b.tokens, untilRefill
}

// Middleware gates requests through the limiter. Successful requests carry
// X-Rate-Limit-* headers; rejected ones get a 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.Method == http.MethodHead || rl.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		rule := rl.ruleFor(r.URL.Path)
		key := rule.Prefix + "|" + ClientIP(r)
		ok, remaining, untilRefill := rl.take(key, rule)

		resetSecs := int(untilRefill / time.Second)
		if untilRefill%time.Second > 0 {
			resetSecs++
		}

		w.Header().Set("X-Rate-Limit-Limit", strconv.Itoa(rule.Capacity))
		w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-Rate-Limit-Reset", strconv.Itoa(resetSecs))

		if !ok {
			retryAfter := resetSecs
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "error",
				"message": "rate limit exceeded",
				"data":    nil,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cleanup periodically evicts idle buckets to prevent memory leaks
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := rl.now().Add(-bucketIdleEviction)
		for key, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP resolves the client address: first X-Forwarded-For entry, then
// X-Real-IP, then the socket address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
