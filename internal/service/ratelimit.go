package service

import (
	"sync"
	"time"
)

// RateLimitConfig holds the request window and token quota settings.
type RateLimitConfig struct {
	MaxRequests int           // per Window, default 100
	Window      time.Duration // default 60s
	TokenQuota  int64         // per QuotaWindow, 0 = unlimited
	QuotaWindow time.Duration // default 1h
}

// RateDecision is the outcome of AllowRequest, carrying the header values
// the HTTP layer emits.
type RateDecision struct {
	OK         bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// rateWindow is the per-identity state: a fixed request window plus a
// separate token quota window.
type rateWindow struct {
	windowStart time.Time
	requests    int

	quotaStart time.Time
	tokens     int64
}

// RateLimiter enforces a per-identity fixed request window and a
// cumulative token quota. Identity resolution happens in the HTTP layer;
// this type only sees opaque identity strings.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	cfg     RateLimitConfig
	stats   *Stats
}

// NewRateLimiter creates a limiter with the given config, applying
// defaults for zero values.
func NewRateLimiter(cfg RateLimitConfig, stats *Stats) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.QuotaWindow <= 0 {
		cfg.QuotaWindow = time.Hour
	}

	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		cfg:     cfg,
		stats:   stats,
	}
}

// AllowRequest records one request for the identity and reports whether it
// may proceed. A request rejected here must not reach any provider.
// Stale windows for other identities are purged opportunistically.
func (l *RateLimiter) AllowRequest(identity string, now time.Time) RateDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		l.purgeLocked(now)
		w = &rateWindow{windowStart: now, quotaStart: now}
		l.windows[identity] = w
	}

	if now.Sub(w.windowStart) >= l.cfg.Window {
		w.windowStart = now
		w.requests = 0
	}

	if now.Sub(w.quotaStart) >= l.cfg.QuotaWindow {
		w.quotaStart = now
		w.tokens = 0
	}

	reset := w.windowStart.Add(l.cfg.Window)

	// An exhausted token quota blocks requests until the quota window
	// rolls over, regardless of the request window state.
	if l.cfg.TokenQuota > 0 && w.tokens >= l.cfg.TokenQuota {
		quotaReset := w.quotaStart.Add(l.cfg.QuotaWindow)
		if l.stats != nil {
			l.stats.RateLimited()
		}

		return RateDecision{
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			Reset:      quotaReset,
			RetryAfter: quotaReset.Sub(now),
		}
	}

	if w.requests >= l.cfg.MaxRequests {
		if l.stats != nil {
			l.stats.RateLimited()
		}

		return RateDecision{
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}
	}

	w.requests++

	return RateDecision{
		OK:        true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - w.requests,
		Reset:     reset,
	}
}

// ChargeTokens accumulates token usage against the identity's quota
// window. Returns the remaining quota (negative values clamp to zero).
func (l *RateLimiter) ChargeTokens(identity string, tokens int64) (ok bool, remaining int64) {
	if l.cfg.TokenQuota <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	w, okw := l.windows[identity]
	if !okw {
		w = &rateWindow{windowStart: now, quotaStart: now}
		l.windows[identity] = w
	}

	if now.Sub(w.quotaStart) >= l.cfg.QuotaWindow {
		w.quotaStart = now
		w.tokens = 0
	}

	w.tokens += tokens

	remaining = l.cfg.TokenQuota - w.tokens
	if remaining < 0 {
		remaining = 0
	}

	return w.tokens <= l.cfg.TokenQuota, remaining
}

// Purge drops windows that are past both the request window and the quota
// window. Called from the maintenance cron.
func (l *RateLimiter) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(time.Now())
}

func (l *RateLimiter) purgeLocked(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.windowStart) >= l.cfg.Window && now.Sub(w.quotaStart) >= l.cfg.QuotaWindow {
			delete(l.windows, id)
		}
	}
}
