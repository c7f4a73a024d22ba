package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
	"github.com/platinummonkey/auditkeep/pkg/httputil"
)

// RateLimitConfig configures a sliding window limit
type RateLimitConfig struct {
	Limit  int           // max requests inside any window
	Window time.Duration // window length
}

// DefaultRateLimitConfig is the per-user API limit
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 600, Window: time.Minute}
}

// ExportRateLimitConfig is the per-user export request limit
func ExportRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 5, Window: time.Hour}
}

func (c RateLimitConfig) normalize() RateLimitConfig {
	if c.Limit <= 0 {
		c.Limit = DefaultRateLimitConfig().Limit
	}
	if c.Window <= 0 {
		c.Window = DefaultRateLimitConfig().Window
	}
	return c
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a keyed sliding window limiter. An error means the limiter could not
// decide; callers choose whether to fail open.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter is an in-process sliding window log
type RateLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	config  RateLimitConfig
	now     func() time.Time
	cleanup *time.Ticker
	done    chan struct{}
}

// NewRateLimiter creates an in-memory limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		config: config.normalize(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Allow records a hit for key if the window still has room
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.prune(key, now)

	d := Decision{Limit: rl.config.Limit}
	if len(hits) >= rl.config.Limit {
		d.RetryAfter = hits[0].Add(rl.config.Window).Sub(now)
		return d, nil
	}

	rl.hits[key] = append(hits, now)
	d.Allowed = true
	d.Remaining = rl.config.Limit - len(hits) - 1
	return d, nil
}

// prune drops hits that left the window. Caller holds mu.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	hits := rl.hits[key]
	cutoff := now.Add(-rl.config.Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(rl.hits, key)
	} else {
		rl.hits[key] = hits
	}
	return hits
}

// Reset clears the history of key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.hits, key)
}

// StartCleanup periodically forgets idle keys
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	rl.cleanup = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-rl.cleanup.C:
				rl.mu.Lock()
				now := rl.now()
				for key := range rl.hits {
					rl.prune(key, now)
				}
				rl.mu.Unlock()
			case <-rl.done:
				return
			}
		}
	}()
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	if rl.cleanup != nil {
		rl.cleanup.Stop()
		close(rl.done)
	}
}

// RateLimit limits requests per actor (or per client address when no actor is
// present). Limiter failures let the request through and are logged.
func RateLimit(limiter Limiter, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), rateLimitKey(r))
			if err != nil {
				logger.WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				httputil.WriteRetryAfter(w, d.RetryAfter)
				httputil.WriteAPIError(w, logger, errcode.New(errcode.RateLimitExceeded, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if actor, ok := ActorFromContext(r.Context()); ok && actor.UserID != "" {
		return "user:" + actor.OrganizationID + ":" + actor.UserID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
