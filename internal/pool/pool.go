// Package pool leases a fixed number of headless browser sessions to
// captures, replaces sessions that crash or hang, and fails fast when no
// browser can be started at all.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/id/uuid"
	"github.com/JakeFAU/webshot/internal/metrics"
)

// ErrDegraded is returned by Acquire while no browser can be launched. It
// wraps capture.ErrPoolExhausted.
var ErrDegraded = fmt.Errorf("%w: browser pool degraded", capture.ErrPoolExhausted)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultDegradedAfter = 3
	DefaultLaunchTimeout = 30 * time.Second
	DefaultPingTimeout   = 2 * time.Second
)

// Config controls pool sizing and relaunch behavior.
type Config struct {
	// Size is the fixed number of sessions the pool keeps running.
	Size int
	// DegradedAfter is the number of consecutive launch failures, with no
	// live session left, after which Acquire fails fast.
	DegradedAfter  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RespawnQPS bounds relaunches across the pool; <= 0 means unlimited.
	RespawnQPS    float64
	LaunchTimeout time.Duration
	PingTimeout   time.Duration
	IDs           capture.IDGenerator
	Clock         capture.Clock
	Logger        *zap.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size           int   `json:"size"`
	Live           int   `json:"live"`
	Idle           int   `json:"idle"`
	Busy           int   `json:"busy"`
	Degraded       bool  `json:"degraded"`
	Acquired       int64 `json:"acquired"`
	Recycled       int64 `json:"recycled"`
	LaunchFailures int64 `json:"launch_failures"`
}

// Pool owns the browser sessions. Every slot is at any time either a live
// session (idle or busy) or a replacement goroutine trying to launch one.
type Pool struct {
	cfg      Config
	launcher capture.Launcher
	logger   *zap.Logger
	backoff  *Backoff
	limiter  *rate.Limiter
	idle     chan *Session

	// ctx is canceled by Close and bounds background relaunches.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu         sync.Mutex
	live       map[string]*Session
	failures   int
	degraded   bool
	degradedCh chan struct{} // closed while degraded

	acquired       atomic.Int64
	recycled       atomic.Int64
	launchFailures atomic.Int64
}

// New starts cfg.Size sessions. Sessions that fail to launch are retried in
// the background, so New only fails on invalid configuration.
func New(ctx context.Context, launcher capture.Launcher, cfg Config) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("pool: launcher is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", cfg.Size)
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultDegradedAfter
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RespawnQPS > 0 {
		limit = rate.Limit(cfg.RespawnQPS)
	}

	p := &Pool{
		cfg:        cfg,
		launcher:   launcher,
		logger:     logger,
		backoff:    NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		limiter:    rate.NewLimiter(limit, cfg.Size),
		idle:       make(chan *Session, cfg.Size),
		live:       make(map[string]*Session, cfg.Size),
		degradedCh: make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	metrics.SetPoolDegraded(false)

	for range cfg.Size {
		if err := p.spawn(ctx); err != nil {
			p.recordLaunchFailure(err)
			p.replaceAsync(1)
		}
	}

	stats := p.Stats()
	logger.Info("browser pool started",
		zap.Int("size", stats.Size),
		zap.Int("live", stats.Live),
		zap.Bool("degraded", stats.Degraded),
	)
	return p, nil
}

// Acquire leases an idle session. It waits at most timeout; a zero timeout
// never blocks. It returns capture.ErrPoolExhausted when no session became
// available, ErrDegraded when no browser can be launched, and
// capture.ErrPoolClosed after Close.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	start := time.Now()
	for {
		s, err := p.take(ctx, timeout-time.Since(start))
		if err != nil {
			metrics.ObservePoolAcquire(acquireResult(err), time.Since(start))
			return nil, err
		}
		if !p.alive(s) {
			p.discard(s, "ping")
			continue
		}
		s.lease()
		p.acquired.Add(1)
		metrics.ObservePoolAcquire("ok", time.Since(start))
		return s, nil
	}
}

func (p *Pool) take(ctx context.Context, remaining time.Duration) (*Session, error) {
	if p.closed.Load() {
		return nil, capture.ErrPoolClosed
	}
	p.mu.Lock()
	degraded, degradedCh := p.degraded, p.degradedCh
	p.mu.Unlock()
	if degraded {
		return nil, ErrDegraded
	}

	select {
	case s := <-p.idle:
		return p.checkout(s)
	default:
	}
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: no idle session", capture.ErrPoolExhausted)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case s := <-p.idle:
		return p.checkout(s)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no session within %s", capture.ErrPoolExhausted, remaining)
	case <-degradedCh:
		return nil, ErrDegraded
	case <-p.ctx.Done():
		return nil, capture.ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}
}

// checkout guards against taking a session that Close has not drained yet.
func (p *Pool) checkout(s *Session) (*Session, error) {
	if p.closed.Load() {
		p.discard(s, "closed")
		return nil, capture.ErrPoolClosed
	}
	return s, nil
}

func (p *Pool) alive(s *Session) bool {
	pinger, ok := s.engine.(capture.Pinger)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.PingTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		p.logger.Warn("browser session failed liveness probe",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Release returns a leased session. Healthy sessions go back to idle; faulty
// ones are closed and replaced in the background. Releasing a session that is
// not busy is a no-op.
func (p *Pool) Release(s *Session, outcome capture.Outcome) {
	if s == nil {
		return
	}
	if outcome == capture.OutcomeFaulty || p.closed.Load() {
		if !s.transition(StateBroken) {
			return
		}
		reason := "faulty"
		if outcome == capture.OutcomeHealthy {
			reason = "closed"
		}
		p.discard(s, reason)
		return
	}

	if !s.transition(StateIdle) {
		return
	}
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.discard(s, "closed")
		return
	}
	select {
	case p.idle <- s:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.logger.Error("idle queue full; discarding session", zap.String("session_id", s.id))
		p.discard(s, "overflow")
	}
}

// discard retires s permanently and, unless the pool is closed, schedules a
// replacement for its slot.
func (p *Pool) discard(s *Session, reason string) {
	s.markBroken()

	p.mu.Lock()
	delete(p.live, s.id)
	live := len(p.live)
	closed := p.closed.Load()
	if !closed {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.closeEngine(s)
		}()
	}
	p.mu.Unlock()

	if closed {
		p.closeEngine(s)
	}
	p.recycled.Add(1)
	metrics.ObserveSessionRecycled(reason)
	metrics.SetPoolSessions(live)
	p.logger.Info("browser session retired",
		zap.String("session_id", s.id),
		zap.String("reason", reason),
		zap.Int("uses", s.Uses()),
		zap.Duration("age", p.cfg.Clock.Now().Sub(s.createdAt)),
	)
	p.replaceAsync(0)
}

func (p *Pool) closeEngine(s *Session) {
	if err := s.engine.Close(); err != nil {
		p.logger.Warn("closing browser session failed",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
	}
}

// replaceAsync starts a relaunch loop for one slot. attempt is the number of
// failures the slot has already seen.
func (p *Pool) replaceAsync(attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	p.wg.Add(1)
	go p.replace(attempt)
}

func (p *Pool) replace(attempt int) {
	defer p.wg.Done()
	for ; ; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.backoff.Delay(attempt - 1))
			select {
			case <-timer.C:
			case <-p.ctx.Done():
				timer.Stop()
				return
			}
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		err := p.spawn(p.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, capture.ErrPoolClosed) || p.ctx.Err() != nil {
			return
		}
		p.recordLaunchFailure(err)
	}
}

func (p *Pool) spawn(ctx context.Context) error {
	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()

	engine, err := p.launcher.Launch(launchCtx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	id, err := p.cfg.IDs.NewID()
	if err != nil {
		_ = engine.Close()
		return fmt.Errorf("session id: %w", err)
	}
	s := newSession(id, engine, p.cfg.Clock.Now())
	if !p.admit(s) {
		p.closeEngine(s)
		return capture.ErrPoolClosed
	}
	p.logger.Debug("browser session started", zap.String("session_id", id))
	return nil
}

func (p *Pool) admit(s *Session) bool {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return false
	}
	p.live[s.id] = s
	p.failures = 0
	recovered := p.degraded
	if recovered {
		p.degraded = false
		p.degradedCh = make(chan struct{})
	}
	live := len(p.live)
	p.idle <- s
	p.mu.Unlock()

	metrics.SetPoolSessions(live)
	if recovered {
		metrics.SetPoolDegraded(false)
		p.logger.Info("browser pool recovered", zap.String("session_id", s.id))
	}
	return true
}

func (p *Pool) recordLaunchFailure(err error) {
	p.launchFailures.Add(1)
	metrics.ObserveLaunchFailure()

	p.mu.Lock()
	p.failures++
	failures := p.failures
	tripped := false
	if !p.degraded && len(p.live) == 0 && p.failures >= p.cfg.DegradedAfter {
		p.degraded = true
		close(p.degradedCh)
		tripped = true
	}
	p.mu.Unlock()

	p.logger.Warn("browser launch failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)
	if tripped {
		metrics.SetPoolDegraded(true)
		p.logger.Error("browser pool degraded; acquires fail fast until a launch succeeds",
			zap.Int("consecutive_failures", failures),
		)
	}
}

// Degraded reports whether Acquire is currently failing fast.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Size:           p.cfg.Size,
		Live:           len(p.live),
		Idle:           len(p.idle),
		Degraded:       p.degraded,
		Acquired:       p.acquired.Load(),
		Recycled:       p.recycled.Load(),
		LaunchFailures: p.launchFailures.Load(),
	}
	for _, s := range p.live {
		if s.State() == StateBusy {
			st.Busy++
		}
	}
	return st
}

// Close stops relaunches and closes idle sessions. Busy sessions are closed
// when they are released. Close waits for background work until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	idle := drain(p.idle)
	p.mu.Unlock()

	for _, s := range idle {
		p.discard(s, "closed")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("browser pool closed", zap.Int("closed_sessions", len(idle)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pool: %w", ctx.Err())
	}
}

func drain(ch chan *Session) []*Session {
	var out []*Session
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func acquireResult(err error) string {
	switch {
	case errors.Is(err, capture.ErrPoolClosed):
		return "closed"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.Is(err, capture.ErrPoolExhausted):
		return "exhausted"
	default:
		return "canceled"
	}
}
