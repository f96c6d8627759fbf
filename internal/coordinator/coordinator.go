// Package coordinator serves capture requests: it validates the URL, answers
// from the cache when it can, and otherwise makes sure exactly one capture per
// key runs while every concurrent caller for that key waits for its result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/pool"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultCaptureTimeout = 15 * time.Second
	DefaultArchiveTimeout = 30 * time.Second
)

// ErrClosed is returned by Capture after Close. It wraps capture.ErrPoolClosed.
var ErrClosed = fmt.Errorf("%w: coordinator closed", capture.ErrPoolClosed)

// SessionPool leases browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Session, error)
	Release(s *pool.Session, outcome capture.Outcome)
}

// Runner executes one capture on an engine.
type Runner interface {
	Execute(
		ctx context.Context,
		engine capture.Engine,
		key capture.Key,
		rawURL string,
		timeout time.Duration,
	) (capture.Result, capture.Outcome)
}

// Recorder receives every fresh successful capture, e.g. for archiving.
type Recorder interface {
	Record(ctx context.Context, result capture.Result) error
}

// HostLimiter spaces out captures of the same target host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes the coordinator.
type Config struct {
	AcquireTimeout time.Duration
	CaptureTimeout time.Duration
	ArchiveTimeout time.Duration
	// Recorder and HostLimiter are optional.
	Recorder    Recorder
	HostLimiter HostLimiter
	Clock       capture.Clock
	Logger      *zap.Logger
}

// Coordinator ties the cache, the pool and the executor together.
type Coordinator struct {
	cache    *cache.Cache
	pool     SessionPool
	runner   Runner
	recorder Recorder
	cfg      Config
	clock    capture.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Coordinator.
func New(c *cache.Cache, p SessionPool, runner Runner, cfg Config) (*Coordinator, error) {
	if c == nil || p == nil || runner == nil {
		return nil, errors.New("coordinator: cache, pool and runner are required")
	}
	if cfg.AcquireTimeout < 0 {
		return nil, fmt.Errorf("coordinator: acquire timeout must be >= 0, got %s", cfg.AcquireTimeout)
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = DefaultArchiveTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cache:    c,
		pool:     p,
		runner:   runner,
		recorder: cfg.Recorder,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Capture returns a screenshot of rawURL. A failed capture is returned as a
// failed Result together with an error wrapping its capture sentinel. ctx
// only bounds how long this caller waits; a capture already started keeps
// running for the other callers waiting on the same key.
func (c *Coordinator) Capture(ctx context.Context, rawURL string) (capture.Result, error) {
	key, err := capture.Parse(rawURL)
	if err != nil {
		return capture.Failed("", rawURL, c.clock.Now(), err), err
	}
	if res, ok := c.cache.Lookup(key); ok {
		metrics.ObserveCacheLookup("hit")
		res.Cached = true
		return res, nil
	}

	ticket := c.cache.BeginOrJoin(key)
	switch ticket.Role {
	case cache.RoleHit:
		metrics.ObserveCacheLookup("hit")
	case cache.RoleFollower:
		metrics.ObserveCacheLookup("join")
	case cache.RoleLeader:
		metrics.ObserveCacheLookup("miss")
		if err := c.lead(ctx, key, strings.TrimSpace(rawURL)); err != nil {
			return capture.Failed(key, rawURL, c.clock.Now(), err), err
		}
	}

	res, err := ticket.Wait(ctx)
	if err != nil {
		return capture.Failed(key, rawURL, c.clock.Now(), err), err
	}
	if ticket.Role == cache.RoleHit {
		res.Cached = true
	}
	return res, res.Err
}

// lead starts the capture for key in the background. The capture is detached
// from the caller's cancellation and always resolves the pending entry.
func (c *Coordinator) lead(ctx context.Context, key capture.Key, rawURL string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.cache.Resolve(key, capture.Failed(key, rawURL, c.clock.Now(), ErrClosed))
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), key, rawURL)
	return nil
}

func (c *Coordinator) run(ctx context.Context, key capture.Key, rawURL string) {
	defer c.wg.Done()

	res := capture.Failed(key, rawURL, c.clock.Now(), errors.New("capture did not complete"))
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("capture panicked",
				zap.String("key", key.String()),
				zap.Any("panic", r),
			)
			res = capture.Failed(key, rawURL, c.clock.Now(), fmt.Errorf("capture panic: %v", r))
		}
		c.cache.Resolve(key, res)
		metrics.SetCacheEntries(c.cache.Len())
		if res.OK() {
			c.record(ctx, res)
		}
	}()

	res = c.capture(ctx, key, rawURL)
}

func (c *Coordinator) capture(ctx context.Context, key capture.Key, rawURL string) capture.Result {
	if err := c.admit(ctx, rawURL); err != nil {
		c.logger.Warn("capture rate limited",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		return capture.Failed(key, rawURL, c.clock.Now(), err)
	}

	s, err := c.pool.Acquire(ctx, c.cfg.AcquireTimeout)
	if err != nil {
		c.logger.Warn("no browser session for capture",
			zap.String("key", key.String()),
			zap.String("reason", capture.Reason(err)),
			zap.Error(err),
		)
		return capture.Failed(key, rawURL, c.clock.Now(), fmt.Errorf("acquire browser session: %w", err))
	}

	released := false
	defer func() {
		if !released {
			c.pool.Release(s, capture.OutcomeFaulty)
		}
	}()

	res, outcome := c.runner.Execute(ctx, s.Engine(), key, rawURL, c.cfg.CaptureTimeout)
	c.pool.Release(s, outcome)
	released = true

	if outcome == capture.OutcomeFaulty {
		c.logger.Info("recycling browser session",
			zap.String("session_id", s.ID()),
			zap.String("key", key.String()),
			zap.String("reason", res.Reason),
		)
	}
	return res
}

// admit waits for the target host's turn, at most one capture timeout.
func (c *Coordinator) admit(ctx context.Context, rawURL string) error {
	if c.cfg.HostLimiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.CaptureTimeout)
	defer cancel()
	return c.cfg.HostLimiter.Wait(waitCtx, rawURL)
}

func (c *Coordinator) record(ctx context.Context, res capture.Result) {
	if c.recorder == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		recordCtx, cancel := context.WithTimeout(ctx, c.cfg.ArchiveTimeout)
		defer cancel()
		if err := c.recorder.Record(recordCtx, res); err != nil {
			c.logger.Warn("archive capture failed",
				zap.String("key", res.Key.String()),
				zap.Error(err),
			)
		}
	}()
}

// Invalidate drops the cached screenshot for rawURL and reports whether one
// existed.
func (c *Coordinator) Invalidate(rawURL string) (bool, error) {
	key, err := capture.Parse(rawURL)
	if err != nil {
		return false, err
	}
	removed := c.cache.Invalidate(key)
	metrics.SetCacheEntries(c.cache.Len())
	if removed {
		c.logger.Info("invalidated screenshot", zap.String("key", key.String()))
	}
	return removed, nil
}

// Purge drops every cached screenshot.
func (c *Coordinator) Purge() int {
	n := c.cache.Purge()
	metrics.SetCacheEntries(0)
	c.logger.Info("purged screenshot cache", zap.Int("entries", n))
	return n
}

// Close rejects new captures and waits for in-flight captures and archive
// writes until ctx expires.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close coordinator: %w", ctx.Err())
	}
}
