package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/browser/scripted"
	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/executor"
	"github.com/JakeFAU/webshot/internal/policy/ratelimit"
	"github.com/JakeFAU/webshot/internal/pool"
)

type harness struct {
	launcher *scripted.Launcher
	cache    *cache.Cache
	pool     *pool.Pool
	coord    *Coordinator
}

func newHarness(t *testing.T, size int, script scripted.Script, cfg Config) *harness {
	t.Helper()

	l := scripted.NewLauncher(script)
	p, err := pool.New(context.Background(), l, pool.Config{
		Size:           size,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	c := cache.New(cache.Config{Capacity: 16, TTL: time.Hour})
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	coord, err := New(c, p, executor.New(nil, nil, nil), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		_ = p.Close(ctx)
	})
	return &harness{launcher: l, cache: c, pool: p, coord: coord}
}

type recorderFunc func(ctx context.Context, res capture.Result) error

func (f recorderFunc) Record(ctx context.Context, res capture.Result) error { return f(ctx, res) }

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, Config{})
	require.Error(t, err)
}

func TestCaptureMissThenHit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})

	first, err := h.coord.Capture(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	require.True(t, first.OK())
	require.False(t, first.Cached)
	acquired := h.pool.Stats().Acquired

	second, err := h.coord.Capture(context.Background(), "https://EXAMPLE.com/page/")
	require.NoError(t, err)
	require.True(t, bytes.Equal(first.Image, second.Image))
	require.Equal(t, first.Hash, second.Hash)
	require.True(t, second.Cached)
	require.Equal(t, acquired, h.pool.Stats().Acquired)
	require.EqualValues(t, 1, h.launcher.Navigations())
}

func TestConcurrentCapturesShareOneNavigation(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, 2, scripted.Script{Gate: gate}, Config{})

	const callers = 8
	results := make([]capture.Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.coord.Capture(context.Background(), "https://example.com/a?x=1&y=2")
		}()
	}

	require.Eventually(t, func() bool {
		st := h.cache.Stats()
		return st.Pending == 1 && st.Waiting == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, h.launcher.Navigations())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Hash, results[i].Hash)
	}
}

func TestQueryOrderSharesKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})

	a, err := h.coord.Capture(context.Background(), "https://example.com/a?x=1&y=2")
	require.NoError(t, err)
	b, err := h.coord.Capture(context.Background(), "https://example.com/a?y=2&x=1")
	require.NoError(t, err)
	require.Equal(t, a.Key, b.Key)
	require.EqualValues(t, 1, h.launcher.Navigations())
}

func TestTimeoutReachesEveryWaiterAndRecyclesSession(t *testing.T) {
	t.Parallel()

	timeout := 200 * time.Millisecond
	h := newHarness(t, 1, scripted.Script{Delay: time.Minute}, Config{CaptureTimeout: timeout})
	first := h.launcher.Engines()[0]

	const callers = 4
	errs := make(chan error, callers)
	start := time.Now()
	for range callers {
		go func() {
			_, err := h.coord.Capture(context.Background(), "https://slow.example/")
			errs <- err
		}()
	}
	for range callers {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, capture.ErrCaptureTimeout)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never released")
		}
	}
	require.Less(t, time.Since(start), timeout+time.Second)

	require.Eventually(t, first.Closed, time.Second, 5*time.Millisecond)
	require.Zero(t, h.cache.Len())
	require.GreaterOrEqual(t, h.pool.Stats().Recycled, int64(1))
}

func TestFailuresAreNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})
	h.launcher.Route("https://missing.example/", scripted.Script{StatusCode: 404})

	res, err := h.coord.Capture(context.Background(), "https://missing.example/")
	require.ErrorIs(t, err, capture.ErrPageLoad)
	require.Equal(t, capture.ReasonPageLoad, res.Reason)
	require.Equal(t, 404, res.StatusCode)

	_, err = h.coord.Capture(context.Background(), "https://missing.example/")
	require.ErrorIs(t, err, capture.ErrPageLoad)
	require.EqualValues(t, 2, h.launcher.Navigations())
	require.Zero(t, h.pool.Stats().Recycled)
}

func TestInvalidURLNeverTouchesPoolOrCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})

	for _, raw := range []string{"", "ftp://example.com/", "https://", "not a url"} {
		res, err := h.coord.Capture(context.Background(), raw)
		var verr *capture.ValidationError
		require.ErrorAs(t, err, &verr, raw)
		require.Equal(t, capture.ReasonInvalidURL, res.Reason)
	}
	require.Zero(t, h.pool.Stats().Acquired)
	st := h.cache.Stats()
	require.Zero(t, st.Misses+st.Hits)
}

func TestPoolExhaustedIsReported(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, 1, scripted.Script{Gate: gate}, Config{AcquireTimeout: 10 * time.Millisecond})

	go func() { _, _ = h.coord.Capture(context.Background(), "https://busy.example/") }()
	require.Eventually(t, func() bool { return h.pool.Stats().Busy == 1 }, time.Second, 5*time.Millisecond)

	res, err := h.coord.Capture(context.Background(), "https://other.example/")
	require.ErrorIs(t, err, capture.ErrPoolExhausted)
	require.Equal(t, capture.ReasonPoolExhausted, res.Reason)
	require.True(t, capture.Transient(err))
}

func TestHostLimiterRejectsBurstToSameHost(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{RPS: 0.1, Burst: 1})
	h := newHarness(t, 1, scripted.Script{}, Config{
		CaptureTimeout: 50 * time.Millisecond,
		HostLimiter:    limiter,
	})

	_, err := h.coord.Capture(context.Background(), "https://busy.example/a")
	require.NoError(t, err)

	res, err := h.coord.Capture(context.Background(), "https://busy.example/b")
	require.ErrorIs(t, err, capture.ErrRateLimited)
	require.Equal(t, capture.ReasonRateLimited, res.Reason)
	require.EqualValues(t, 1, h.pool.Stats().Acquired)

	_, err = h.coord.Capture(context.Background(), "https://other.example/")
	require.NoError(t, err)
}

func TestCallerCancellationDoesNotAbortCapture(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, 1, scripted.Script{Gate: gate}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.coord.Capture(ctx, "https://example.com/")
		errs <- err
	}()
	require.Eventually(t, func() bool { return h.cache.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool { return h.cache.Len() == 1 }, time.Second, 5*time.Millisecond)
	res, err := h.coord.Capture(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.True(t, res.OK())
	require.EqualValues(t, 1, h.launcher.Navigations())
}

func TestEnginePanicResolvesWaiters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{Panic: "renderer exploded"}, Config{})

	res, err := h.coord.Capture(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, capture.ErrEngineCrash)
	require.False(t, res.OK())
	require.Zero(t, h.cache.Stats().Pending)
}

func TestRecorderReceivesFreshCaptures(t *testing.T) {
	t.Parallel()

	recorded := make(chan capture.Result, 4)
	rec := recorderFunc(func(_ context.Context, res capture.Result) error {
		recorded <- res
		return errors.New("archive unavailable")
	})
	h := newHarness(t, 1, scripted.Script{}, Config{Recorder: rec})

	res, err := h.coord.Capture(context.Background(), "https://example.com/")
	require.NoError(t, err)
	_, err = h.coord.Capture(context.Background(), "https://example.com/")
	require.NoError(t, err)

	require.NoError(t, h.coord.Close(context.Background()))
	require.Len(t, recorded, 1)
	require.Equal(t, res.Hash, (<-recorded).Hash)
}

func TestInvalidateAndPurge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})
	_, err := h.coord.Capture(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	_, err = h.coord.Capture(context.Background(), "https://example.com/b")
	require.NoError(t, err)

	removed, err := h.coord.Invalidate("https://example.com/a#frag")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = h.coord.Invalidate("https://example.com/a")
	require.NoError(t, err)
	require.False(t, removed)
	_, err = h.coord.Invalidate("gopher://x")
	require.ErrorIs(t, err, capture.ErrInvalidURL)

	require.Equal(t, 1, h.coord.Purge())
	require.Zero(t, h.cache.Len())
}

func TestCaptureAfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, scripted.Script{}, Config{})
	require.NoError(t, h.coord.Close(context.Background()))

	_, err := h.coord.Capture(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, capture.ErrPoolClosed)
	require.Zero(t, h.cache.Stats().Pending)
}
