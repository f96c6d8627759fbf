package chrome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/capture"
)

// Engine is one Chrome process (or remote browser connection).
type Engine struct {
	cfg    Config
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// attach creates the tab target. Tabs must be attached on their own
	// context: chromedp binds the target's event loop to the context of its
	// first Run.
	attach func(ctx context.Context) error

	mu        sync.Mutex
	tabCtx    context.Context
	tabCancel context.CancelFunc
	meta      *responseMeta
	closed    bool
}

// Navigate opens a fresh tab and loads rawURL in it.
func (e *Engine) Navigate(ctx context.Context, rawURL string) (capture.Navigation, error) {
	meta, err := e.openTab(ctx)
	if err != nil {
		return capture.Navigation{}, err
	}

	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(e.cfg.ViewportWidth), int64(e.cfg.ViewportHeight), 1, false),
	}
	if e.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(e.cfg.UserAgent))
	}
	actions = append(actions, chromedp.Navigate(rawURL))

	if err := e.run(ctx, actions...); err != nil {
		return capture.Navigation{}, classifyNavigateErr(err)
	}
	status, finalURL := meta.snapshot(rawURL)
	return capture.Navigation{StatusCode: status, FinalURL: finalURL}, nil
}

// WaitReady waits for the document body and then lets the page settle.
func (e *Engine) WaitReady(ctx context.Context) error {
	actions := []chromedp.Action{chromedp.WaitReady("body", chromedp.ByQuery)}
	if e.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(e.cfg.Settle))
	}
	if err := e.run(ctx, actions...); err != nil {
		return fmt.Errorf("wait for body: %w", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Reset closes the current tab, aborting anything still loading in it.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeTabLocked()
	return nil
}

// Close shuts down the browser.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.closeTabLocked()
	e.browserCancel()
	e.allocCancel()
	return nil
}

// Ping asks the browser for its version, which fails once the process or
// connection is gone.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.browserCtx.Err(); err != nil {
		return fmt.Errorf("browser context done: %w", err)
	}
	c := chromedp.FromContext(e.browserCtx)
	if c == nil || c.Browser == nil {
		return errors.New("browser not started")
	}
	if _, _, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("browser get version: %w", err)
	}
	return nil
}

func (e *Engine) openTab(ctx context.Context) (*responseMeta, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: browser closed", capture.ErrEngineCrash)
	}
	e.closeTabLocked()
	tabCtx, cancel := chromedp.NewContext(e.browserCtx)
	tabCancel := sync.OnceFunc(cancel)
	e.mu.Unlock()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	stopForward := forwardCancel(ctx, tabCancel)
	err := e.attach(tabCtx)
	stopForward()
	if err != nil {
		tabCancel()
		if ctx != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("open tab: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: open tab: %w", capture.ErrEngineCrash, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		tabCancel()
		return nil, fmt.Errorf("%w: browser closed", capture.ErrEngineCrash)
	}
	e.tabCtx, e.tabCancel, e.meta = tabCtx, tabCancel, meta
	return meta, nil
}

// attachTarget creates the tab with a Run that carries no actions.
func attachTarget(tabCtx context.Context) error {
	return chromedp.Run(tabCtx)
}

func (e *Engine) closeTabLocked() {
	if e.tabCancel != nil {
		e.tabCancel()
	}
	e.tabCtx, e.tabCancel, e.meta = nil, nil, nil
}

// run executes actions in the current tab, bounded by ctx.
func (e *Engine) run(ctx context.Context, actions ...chromedp.Action) error {
	e.mu.Lock()
	tabCtx := e.tabCtx
	e.mu.Unlock()
	if tabCtx == nil {
		return fmt.Errorf("%w: no open tab", capture.ErrEngineCrash)
	}

	taskCtx, cancelTask := context.WithCancel(tabCtx)
	defer cancelTask()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		taskCtx, cancelDeadline = context.WithDeadline(taskCtx, deadline)
		defer cancelDeadline()
	}
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// classifyNavigateErr marks errors caused by the target rather than the
// browser with capture.ErrPageLoad.
func classifyNavigateErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "net::ERR_") || strings.Contains(msg, "Cannot navigate to invalid URL") {
		return fmt.Errorf("%w: %w", capture.ErrPageLoad, err)
	}
	return err
}

type responseMeta struct {
	once       sync.Once
	mu         sync.RWMutex
	statusCode int
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.once.Do(func() {
		m.mu.Lock()
		m.statusCode = int(resp.Response.Status)
		m.url = resp.Response.URL
		m.mu.Unlock()
	})
}

// snapshot returns the main document status and URL, falling back to 200 and
// the requested URL when no document response was observed.
func (m *responseMeta) snapshot(requestURL string) (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, url := m.statusCode, m.url
	if status == 0 {
		status = 200
	}
	if url == "" {
		url = requestURL
	}
	return status, url
}
