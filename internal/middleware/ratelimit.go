// Package middleware provides HTTP middleware for the loyalty API.
package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sorianoseguros/loyalty-engine/internal/app/system"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

// RateLimiter applies a per-client token bucket. Limiter state is
// process-scoped with an explicit lifecycle: created at service start,
// pruned on a timer, torn down at shutdown.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ system.Service = (*RateLimiter)(nil)

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per client key.
func NewRateLimiter(requestsPerSecond, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// clientKey identifies the caller. The API trusts the surrounding gateway
// for authentication, so the forwarded user id wins over the peer address.
func clientKey(r *http.Request) string {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return user
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.getLimiter(key).Allow() {
			rl.log.WithField("key", key).Warn("rate limit exceeded")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) Name() string { return "ratelimit" }

// Start launches the pruning loop that drops limiters idle for ten minutes.
func (rl *RateLimiter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	rl.cancel = cancel
	rl.done = make(chan struct{})

	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				rl.prune(10 * time.Minute)
			}
		}
	}()
	return nil
}

// Stop tears down the pruning loop.
func (rl *RateLimiter) Stop(ctx context.Context) error {
	if rl.cancel == nil {
		return nil
	}
	rl.cancel()
	select {
	case <-rl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *RateLimiter) prune(idle time.Duration) {
	cutoff := time.Now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}
