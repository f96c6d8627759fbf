// Package ratelimit implements a token bucket limiter that spreads captures of
// the same target host over time.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/metrics"
)

// DefaultMaxHosts bounds how many per-host buckets are remembered.
const DefaultMaxHosts = 4096

// Limiter manages per-host capture rates.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
	rate     rate.Limit
	burst    int
	maxHosts int
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained capture rate per host; <= 0 disables limiting.
	RPS      float64
	Burst    int
	MaxHosts int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	return &Limiter{
		limiters: make(map[string]*hostLimiter),
		rate:     r,
		burst:    burst,
		maxHosts: maxHosts,
	}
}

// Wait blocks until rawURL's host may be captured again. It fails with an
// error wrapping capture.ErrRateLimited when ctx expires first, or would
// expire before a token becomes available.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.rate == rate.Inf {
		return nil
	}
	host := hostOf(rawURL)
	limiter := l.limiterFor(host)

	start := time.Now()
	err := limiter.Wait(ctx)
	if err != nil {
		metrics.ObserveHostLimit("rejected", time.Since(start))
		return fmt.Errorf("host %s: %w (%v)", host, capture.ErrRateLimited, err)
	}
	metrics.ObserveHostLimit("allowed", time.Since(start))
	return nil
}

// Hosts reports how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.limiters[host]; ok {
		h.lastUsed = now
		return h.limiter
	}
	if len(l.limiters) >= l.maxHosts {
		l.evictLocked()
	}
	h := &hostLimiter{limiter: rate.NewLimiter(l.rate, l.burst), lastUsed: now}
	l.limiters[host] = h
	return h.limiter
}

// evictLocked drops the least recently used bucket.
func (l *Limiter) evictLocked() {
	var (
		oldest     string
		oldestUsed time.Time
	)
	for host, h := range l.limiters {
		if oldest == "" || h.lastUsed.Before(oldestUsed) {
			oldest, oldestUsed = host, h.lastUsed
		}
	}
	delete(l.limiters, oldest)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
