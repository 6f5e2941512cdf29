// Package ratelimit guards the scarce LLM endpoint with token buckets. Every
// call must pass both the global bucket and the caller's per-identity bucket;
// a denial is reported to the caller, which requeues with delay rather than
// spin-waiting.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

// Config holds refill rates (tokens per second) and burst capacities.
// Zero values fall back to defaults from the platform's LLM quota.
type Config struct {
	Rate        float64 // per-identity refill rate (default 5/s)
	Burst       int     // per-identity burst (default 10)
	GlobalRate  float64 // shared bucket refill rate (default 25/s)
	GlobalBurst int     // shared bucket burst (default 50)
}

func (c *Config) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = 25
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 50
	}
}

// Limiter implements per-identity + global token buckets. Refill is a pure
// function of elapsed time: every check passes the injected clock's current
// instant to the buckets, so tests drive time explicitly.
type Limiter struct {
	cfg    Config
	clock  domain.Clock
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter with the given quotas.
func New(cfg Config, clock domain.Clock) *Limiter {
	cfg.applyDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from both the identity's bucket and the global
// bucket, returning true only when both permit. When the identity bucket
// permits but the global bucket denies, the identity token is returned so a
// caller throttled globally is not double-charged.
func (l *Limiter) Allow(identity string) bool {
	now := l.clock.Now()
	bucket := l.bucket(identity)

	r := bucket.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		if r.OK() {
			r.CancelAt(now)
		}
		return false
	}
	if !l.global.AllowN(now, 1) {
		r.CancelAt(now)
		return false
	}
	return true
}

// bucket returns the identity's limiter, creating it lazily.
func (l *Limiter) bucket(identity string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.buckets[identity] = b
	}
	return b
}
