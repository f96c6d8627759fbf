// Package scripted implements an in-memory browser engine whose behavior is
// configured per URL. It backs the "scripted" driver and the engine-level
// tests of the pool, executor, and coordinator.
package scripted

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/webshot/internal/capture"
)

// ErrClosed is returned by every call on an engine after Close.
var ErrClosed = errors.New("scripted engine closed")

// PNG is a valid 1x1 image returned when a script sets no Image.
var PNG = encodePixel()

// Script describes how an engine behaves for one navigation.
type Script struct {
	// Image is returned by Screenshot; nil means PNG.
	Image []byte
	// StatusCode is reported for the main document; 0 means 200.
	StatusCode int
	// Delay is spent in WaitReady before the page counts as ready.
	Delay time.Duration
	// Gate, when non-nil, blocks WaitReady until it is closed.
	Gate <-chan struct{}
	// IgnoreContext makes WaitReady ignore ctx cancellation, like a hung
	// renderer.
	IgnoreContext bool
	NavigateErr   error
	WaitErr       error
	ScreenshotErr error
	// Panic makes Navigate panic with this value.
	Panic any
}

// Launcher hands out scripted engines and counts what they were asked to do.
type Launcher struct {
	mu         sync.Mutex
	fallback   Script
	routes     map[string]Script
	failNext   int
	launchErr  error
	engines    []*Engine
	nextID     int
	launches   atomic.Int64
	navigates  atomic.Int64
	shots      atomic.Int64
	resets     atomic.Int64
	closes     atomic.Int64
	pings      atomic.Int64
	launchFail atomic.Int64
}

// NewLauncher returns a launcher whose engines follow fallback for every URL
// without a route.
func NewLauncher(fallback Script) *Launcher {
	return &Launcher{
		fallback: fallback,
		routes:   make(map[string]Script),
	}
}

// Route overrides the script used when an engine navigates to url.
func (l *Launcher) Route(url string, script Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes[url] = script
}

// FailLaunches makes the next n launches return err. A negative n fails every
// launch until FailLaunches(0, nil) is called.
func (l *Launcher) FailLaunches(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = errors.New("scripted launch failure")
	}
	l.failNext = n
	l.launchErr = err
}

// Launch implements capture.Launcher.
func (l *Launcher) Launch(ctx context.Context) (capture.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch scripted engine: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != 0 {
		if l.failNext > 0 {
			l.failNext--
		}
		l.launchFail.Add(1)
		return nil, l.launchErr
	}
	l.nextID++
	e := &Engine{launcher: l, id: l.nextID}
	l.engines = append(l.engines, e)
	l.launches.Add(1)
	return e, nil
}

// Engines returns every engine launched so far, oldest first.
func (l *Launcher) Engines() []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Engine(nil), l.engines...)
}

// Launches returns the number of successful launches.
func (l *Launcher) Launches() int64 { return l.launches.Load() }

// LaunchFailures returns the number of failed launches.
func (l *Launcher) LaunchFailures() int64 { return l.launchFail.Load() }

// Navigations returns the number of Navigate calls across all engines.
func (l *Launcher) Navigations() int64 { return l.navigates.Load() }

// Screenshots returns the number of Screenshot calls across all engines.
func (l *Launcher) Screenshots() int64 { return l.shots.Load() }

// Resets returns the number of Reset calls across all engines.
func (l *Launcher) Resets() int64 { return l.resets.Load() }

// Closes returns the number of engines closed.
func (l *Launcher) Closes() int64 { return l.closes.Load() }

// Pings returns the number of Ping calls across all engines.
func (l *Launcher) Pings() int64 { return l.pings.Load() }

func (l *Launcher) scriptFor(url string) Script {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.routes[url]; ok {
		return s
	}
	return l.fallback
}

// Engine is one scripted browser session.
type Engine struct {
	launcher *Launcher
	id       int

	mu      sync.Mutex
	current Script
	closed  bool
	pingErr error
}

// ID returns the launch ordinal of the engine, starting at 1.
func (e *Engine) ID() int { return e.id }

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// FailPing makes subsequent Ping calls return err; nil restores liveness.
func (e *Engine) FailPing(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pingErr = err
}

// Navigate implements capture.Engine.
func (e *Engine) Navigate(ctx context.Context, url string) (capture.Navigation, error) {
	e.launcher.navigates.Add(1)
	script := e.launcher.scriptFor(url)

	e.mu.Lock()
	closed := e.closed
	e.current = script
	e.mu.Unlock()

	if closed {
		return capture.Navigation{}, ErrClosed
	}
	if script.Panic != nil {
		panic(script.Panic)
	}
	if err := ctx.Err(); err != nil {
		return capture.Navigation{}, fmt.Errorf("navigate: %w", err)
	}
	if script.NavigateErr != nil {
		return capture.Navigation{}, script.NavigateErr
	}
	status := script.StatusCode
	if status == 0 {
		status = 200
	}
	return capture.Navigation{StatusCode: status, FinalURL: url}, nil
}

// WaitReady implements capture.Engine.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.Lock()
	script := e.current
	e.mu.Unlock()

	if script.IgnoreContext {
		if script.Gate != nil {
			<-script.Gate
		}
		time.Sleep(script.Delay)
		return script.WaitErr
	}

	if script.Gate != nil {
		select {
		case <-script.Gate:
		case <-ctx.Done():
			return fmt.Errorf("wait ready: %w", ctx.Err())
		}
	}
	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("wait ready: %w", ctx.Err())
		}
	}
	return script.WaitErr
}

// Screenshot implements capture.Engine.
func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	e.launcher.shots.Add(1)
	e.mu.Lock()
	script := e.current
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	if script.ScreenshotErr != nil {
		return nil, script.ScreenshotErr
	}
	if script.Image != nil {
		return append([]byte(nil), script.Image...), nil
	}
	return append([]byte(nil), PNG...), nil
}

// Reset implements capture.Engine.
func (e *Engine) Reset() error {
	e.launcher.resets.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = Script{}
	return nil
}

// Close implements capture.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.launcher.closes.Add(1)
	return nil
}

// Ping implements capture.Pinger.
func (e *Engine) Ping(_ context.Context) error {
	e.launcher.pings.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.pingErr
}

func encodePixel() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(fmt.Sprintf("encode scripted png: %v", err))
	}
	return buf.Bytes()
}
