package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/proofline/internal/config"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

type callerLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles API calls per caller. Callers are keyed by the
// X-Actor-ID header, falling back to the remote host for anonymous requests.
type RateLimiter struct {
	enabled bool
	every   rate.Limit
	burst   int
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	callers map[string]*callerLimit
}

// NewRateLimiter builds a limiter from cfg. Zero rates fall back to 60 per
// minute with a burst of 10.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		enabled: cfg.Enabled,
		every:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		logger:  logger,
		now:     time.Now,
		callers: make(map[string]*callerLimit),
	}
}

// Wrap applies the limiter to every route except /healthz. A disabled limiter
// returns next unchanged.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := rl.admit(callerKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit consumes one token for key. When none is available it returns the
// wait until the next token without consuming it.
func (rl *RateLimiter) admit(key string) (time.Duration, bool) {
	now := rl.now()

	rl.mu.Lock()
	c, ok := rl.callers[key]
	if !ok {
		c = &callerLimit{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.callers[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return max(wait, time.Second), false
	}
	return 0, true
}

// RunEviction drops callers idle for longer than maxAge every interval until
// ctx is cancelled.
func (rl *RateLimiter) RunEviction(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.EvictIdle(maxAge)
		}
	}
}

// EvictIdle forgets callers not seen within maxAge.
func (rl *RateLimiter) EvictIdle(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, c := range rl.callers {
		if !c.lastSeen.After(cutoff) {
			delete(rl.callers, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.callers))
	}
	return evicted
}

// Callers returns how many callers are tracked.
func (rl *RateLimiter) Callers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.callers)
}

func callerKey(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return "actor:" + actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
