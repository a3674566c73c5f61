package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/go-afm/internal/config"
	"golang.org/x/time/rate"
)

type client struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter gives every caller its own token bucket, keyed by API key for
// admin clients and by remote host for agents. /healthz is never limited.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{cfg: cfg, logger: logger, now: time.Now, clients: map[string]*client{}}
}

// StartEviction forgets clients idle for longer than maxAge, checking every
// interval until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale drops clients not seen within maxAge and returns how many went.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, c := range rl.clients {
		if c.seen.Before(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	if n > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", n, "remaining", len(rl.clients))
	}
	return n
}

// BucketCount returns the number of tracked clients.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap is a no-op when rate limiting is disabled.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := rl.admit(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit takes a token for key. When none is available it reports how long
// until one would be, without consuming it.
func (rl *RateLimiter) admit(key string) (time.Duration, bool) {
	now := rl.now()
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		every := rate.Every(time.Minute / time.Duration(rl.cfg.RequestsPerMinute))
		c = &client{limiter: rate.NewLimiter(every, rl.cfg.BurstSize)}
		rl.clients[key] = c
	}
	c.seen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return max(wait, time.Second), false
	}
	return 0, true
}

func clientKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
