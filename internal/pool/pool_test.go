package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/browser/noop"
	"github.com/JakeFAU/webshot/internal/browser/scripted"
	"github.com/JakeFAU/webshot/internal/capture"
)

func testConfig(size int) Config {
	return Config{
		Size:           size,
		DegradedAfter:  1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, launcher capture.Launcher, cfg Config) *Pool {
	t.Helper()
	p, err := New(context.Background(), launcher, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil, testConfig(1))
	require.Error(t, err)
	_, err = New(context.Background(), scripted.NewLauncher(scripted.Script{}), testConfig(0))
	require.Error(t, err)
}

func TestNewPrewarmsSessions(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p := newTestPool(t, l, testConfig(3))

	require.EqualValues(t, 3, l.Launches())
	stats := p.Stats()
	require.Equal(t, 3, stats.Live)
	require.Equal(t, 3, stats.Idle)
	require.False(t, stats.Degraded)
}

func TestAcquireReleaseHealthyReturnsSessionToIdle(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, scripted.NewLauncher(scripted.Script{}), testConfig(1))

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, StateBusy, s.State())
	require.Equal(t, 1, p.Stats().Busy)

	p.Release(s, capture.OutcomeHealthy)
	require.Equal(t, StateIdle, s.State())

	again, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, s.ID(), again.ID())
	require.Equal(t, 2, again.Uses())
}

func TestAcquireZeroTimeoutFailsImmediatelyWhenExhausted(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, scripted.NewLauncher(scripted.Script{}), testConfig(1))
	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, capture.ErrPoolExhausted)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireTimesOut(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, scripted.NewLauncher(scripted.Script{}), testConfig(1))
	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, capture.ErrPoolExhausted)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, scripted.NewLauncher(scripted.Script{}), testConfig(1))
	_, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaiterReceivesReleasedSession(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, scripted.NewLauncher(scripted.Script{}), testConfig(1))
	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	got := make(chan *Session, 1)
	go func() {
		waited, _ := p.Acquire(context.Background(), 5*time.Second)
		got <- waited
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(s, capture.OutcomeHealthy)

	select {
	case waited := <-got:
		require.NotNil(t, waited)
		require.Equal(t, s.ID(), waited.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the released session")
	}
}

func TestReleaseFaultyReplacesSession(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p := newTestPool(t, l, testConfig(1))

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(s, capture.OutcomeFaulty)
	require.Equal(t, StateBroken, s.State())

	next, err := p.Acquire(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, s.ID(), next.ID())
	require.EqualValues(t, 2, l.Launches())
	require.Eventually(t, func() bool {
		return l.Engines()[0].Closed()
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, p.Stats().Recycled)
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p := newTestPool(t, l, testConfig(1))

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(s, capture.OutcomeHealthy)
	p.Release(s, capture.OutcomeHealthy)
	p.Release(s, capture.OutcomeFaulty)

	stats := p.Stats()
	require.Equal(t, 1, stats.Idle)
	require.Equal(t, 1, stats.Live)
	require.EqualValues(t, 0, stats.Recycled)
	require.EqualValues(t, 1, l.Launches())
}

func TestAcquireDiscardsSessionFailingPing(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p := newTestPool(t, l, testConfig(1))
	dead := l.Engines()[0]
	dead.FailPing(errors.New("target crashed"))

	s, err := p.Acquire(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotSame(t, dead, s.Engine())
	require.EqualValues(t, 2, l.Launches())
	require.Eventually(t, dead.Closed, time.Second, 5*time.Millisecond)
}

func TestDegradedPoolFailsFast(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, noop.New(), testConfig(2))
	require.True(t, p.Degraded())

	start := time.Now()
	_, err := p.Acquire(context.Background(), 5*time.Second)
	require.ErrorIs(t, err, ErrDegraded)
	require.ErrorIs(t, err, capture.ErrPoolExhausted)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDegradationReleasesBlockedWaiters(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p := newTestPool(t, l, testConfig(1))
	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, acquireErr := p.Acquire(context.Background(), 10*time.Second)
		errs <- acquireErr
	}()
	time.Sleep(20 * time.Millisecond)

	l.FailLaunches(-1, errors.New("chrome missing"))
	p.Release(s, capture.OutcomeFaulty)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrDegraded)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked waiter was not released on degradation")
	}
}

func TestDegradedPoolRecovers(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	l.FailLaunches(-1, errors.New("chrome missing"))
	p := newTestPool(t, l, testConfig(1))
	require.True(t, p.Degraded())

	l.FailLaunches(0, nil)
	require.Eventually(t, func() bool { return !p.Degraded() }, 2*time.Second, 5*time.Millisecond)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Positive(t, p.Stats().LaunchFailures)
}

func TestNotDegradedWhileSessionsLive(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	cfg := testConfig(2)
	p := newTestPool(t, l, cfg)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	l.FailLaunches(-1, errors.New("chrome missing"))
	p.Release(s, capture.OutcomeFaulty)

	require.Eventually(t, func() bool { return l.LaunchFailures() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, p.Degraded())

	_, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
}

func TestCloseClosesSessionsAndRejectsAcquire(t *testing.T) {
	t.Parallel()

	l := scripted.NewLauncher(scripted.Script{})
	p, err := New(context.Background(), l, testConfig(2))
	require.NoError(t, err)

	busy, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	require.EqualValues(t, 1, l.Closes())

	_, err = p.Acquire(context.Background(), time.Second)
	require.ErrorIs(t, err, capture.ErrPoolClosed)

	p.Release(busy, capture.OutcomeHealthy)
	require.EqualValues(t, 2, l.Closes())
	require.Equal(t, StateBroken, busy.State())
	require.EqualValues(t, 2, l.Launches())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "busy", StateBusy.String())
	require.Equal(t, "broken", StateBroken.String())
	require.Equal(t, "unknown", State(9).String())
}
