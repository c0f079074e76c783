package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/researchportal/internal/access"
)

// RateLimitConfig configures one token bucket per caller.
type RateLimitConfig struct {
	// Operation namespaces the buckets, so a caller's export budget is
	// separate from its general API budget.
	Operation         string
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the general API limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Operation:         "api",
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

// PerMinute converts a per-minute allowance to requests per second.
func PerMinute(n int) float64 {
	return float64(n) / 60
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

type limiterStore struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiterStore{cfg: cfg, entries: map[string]*limiterEntry{}, now: time.Now}
}

func (s *limiterStore) get(key string) (*rate.Limiter, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.cfg.IdleTTL {
		for k, e := range s.entries {
			if now.Sub(e.seen) > s.cfg.IdleTTL {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.entries[key] = e
	}
	e.seen = now
	return e.limiter, now
}

// callerKey identifies the caller: the portal user when one is attached,
// otherwise the client address.
func callerKey(c echo.Context) string {
	if p, ok := access.PrincipalFrom(c); ok {
		return "user:" + strconv.FormatInt(p.UserID, 10)
	}
	return "ip:" + c.RealIP()
}

// RateLimit rejects callers that exceed their bucket with 429 and a
// Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	return rateLimit(store)
}

func rateLimit(store *limiterStore) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(store.cfg.RequestsPerSecond, 'f', -1, 64)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim, now := store.get(store.cfg.Operation + ":" + callerKey(c))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			r := lim.ReserveN(now, 1)
			if !r.OK() {
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if d := r.DelayFrom(now); d > 0 {
				r.CancelAt(now)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Truncate(time.Millisecond).Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(lim.TokensAt(now))))
			return next(c)
		}
	}
}
